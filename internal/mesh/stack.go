package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
	"github.com/grekinsky/lorachain/internal/codec"
	"github.com/grekinsky/lorachain/internal/dutycycle"
	"github.com/grekinsky/lorachain/pkg/crypto"
)

// fragmentEnvelopeOverhead approximates the envelope and fragment header
// bytes wrapped around each chunk, keeping whole fragment frames inside the
// radio MTU.
const fragmentEnvelopeOverhead = 160

// minFragmentChunk guards against tiny MTUs starving the chunk budget.
const minFragmentChunk = 32

// Enqueue admits an encoded envelope to the transmission scheduler.
type Enqueue func(frame []byte, msgType byte, priority dutycycle.Priority, ttl time.Duration) error

// DataHandler receives application payloads addressed to this node (or
// broadcast): transactions, blocks, and sync/proof messages.
type DataHandler func(t MessageType, from NodeID, payload []byte)

// Stack composes the mesh layers for one node: codec compression below the
// envelope, fragmentation to the radio MTU, acknowledged delivery, reactive
// routing, and neighbor discovery. Incoming frames flow
// verify → reassemble → route/dispatch → decompress; outgoing payloads flow
// compress → delivery-wrap → fragment → duty-cycle queue.
type Stack struct {
	key       *crypto.MeshKey
	self      NodeID
	cfg       config.MeshConfig
	mtu       int
	codec     *codec.Codec
	router    *Router
	neighbors *NeighborTable
	delivery  *Delivery
	frags     *Reassembler
	enqueue   Enqueue

	onData DataHandler
	caps   func() Capabilities

	log zerolog.Logger
}

// StackOptions wires a Stack.
type StackOptions struct {
	Key          *crypto.MeshKey
	MeshConfig   config.MeshConfig
	RadioConfig  config.RadioConfig
	Codec        *codec.Codec
	Enqueue      Enqueue
	Capabilities func() Capabilities // Live local capabilities.
	OnData       DataHandler
	Logger       zerolog.Logger
}

// NewStack builds the mesh stack.
func NewStack(opts StackOptions) (*Stack, error) {
	if opts.Key == nil {
		return nil, errors.New("mesh key required")
	}
	if opts.Codec == nil {
		return nil, errors.New("codec required")
	}
	if opts.Enqueue == nil {
		return nil, errors.New("enqueue hook required")
	}
	caps := opts.Capabilities
	if caps == nil {
		caps = func() Capabilities { return Capabilities{NodeType: config.NodeLight} }
	}

	s := &Stack{
		key:     opts.Key,
		self:    NodeIDFromPubKey(opts.Key.PublicKey()),
		cfg:     opts.MeshConfig,
		mtu:     opts.RadioConfig.MTUBytes,
		codec:   opts.Codec,
		enqueue: opts.Enqueue,
		onData:  opts.OnData,
		caps:    caps,
		log:     opts.Logger,
	}

	s.neighbors = NewNeighborTable(opts.MeshConfig, opts.Logger)
	s.frags = NewReassembler(time.Duration(opts.MeshConfig.FragmentTimeoutMs) * time.Millisecond)

	routeTTL := 10 * time.Minute
	table := NewTable(routeTTL)
	s.router = NewRouter(opts.Key, caps, table, opts.MeshConfig,
		s.broadcastRouting, s.unicastRouting, opts.Logger)
	s.router.SetLinkQuality(s.neighbors.LinkQuality)

	s.delivery = NewDelivery(opts.MeshConfig, s.retransmit, opts.Logger)

	s.neighbors.OnEvicted = func(id NodeID) {
		for _, dest := range table.RemoveVia(id) {
			s.log.Debug().
				Str("neighbor", id.String()).
				Str("dest", dest.String()).
				Msg("route invalidated with neighbor")
		}
	}

	return s, nil
}

// Self returns the local node id.
func (s *Stack) Self() NodeID { return s.self }

// Router exposes the routing layer.
func (s *Stack) Router() *Router { return s.router }

// Neighbors exposes the neighbor table.
func (s *Stack) Neighbors() *NeighborTable { return s.neighbors }

// Delivery exposes the reliable-delivery engine.
func (s *Stack) Delivery() *Delivery { return s.delivery }

// Reassembler exposes the fragment reassembler.
func (s *Stack) Reassembler() *Reassembler { return s.frags }

// Send compresses, wraps, fragments, and queues an application payload.
// For Confirmed/Guaranteed levels the returned id resolves on ack.
func (s *Stack) Send(t MessageType, to NodeID, payload []byte, level Level, priority dutycycle.Priority) (MessageID, error) {
	compressed, err := s.codec.Encode(payload)
	if err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}

	msg := NewMessage(t, s.self, compressed)
	msg.To = to

	if level == BestEffort {
		if err := msg.Sign(s.key); err != nil {
			return 0, err
		}
		frame, err := msg.Encode()
		if err != nil {
			return 0, err
		}
		return 0, s.dispatchFrame(frame, t, priority)
	}

	// Reliable path: the delivery engine owns retries; the seq rides in the
	// envelope so the receiver can ack it.
	id := s.delivery.Register(to, level)
	msg.Seq = uint64(id)
	msg.WantAck = true
	if err := msg.Sign(s.key); err != nil {
		s.delivery.Cancel(id)
		return 0, err
	}
	frame, err := msg.Encode()
	if err != nil {
		s.delivery.Cancel(id)
		return 0, err
	}
	s.delivery.SetFrame(id, frame)

	if err := s.dispatchFrame(frame, t, priority); err != nil {
		s.delivery.Cancel(id)
		return 0, err
	}
	return id, nil
}

// dispatchFrame fragments an encoded envelope if needed and queues it.
func (s *Stack) dispatchFrame(frame []byte, t MessageType, priority dutycycle.Priority) error {
	ttl := time.Duration(s.cfg.AckTimeoutMs*(s.cfg.MaxRetries+1)) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Minute
	}

	// Budget each chunk so the fragment's own envelope still fits the MTU.
	chunk := s.mtu - fragmentEnvelopeOverhead
	if chunk < minFragmentChunk {
		chunk = s.mtu
	}
	if len(frame) <= s.mtu {
		return s.enqueue(frame, byte(t), priority, ttl)
	}
	frags := Split(frame, chunk)
	if frags == nil {
		return s.enqueue(frame, byte(t), priority, ttl)
	}

	for _, f := range frags {
		fragMsg := NewMessage(TypeFragment, s.self, f.Encode())
		if err := fragMsg.Sign(s.key); err != nil {
			return err
		}
		encoded, err := fragMsg.Encode()
		if err != nil {
			return err
		}
		if err := s.enqueue(encoded, byte(TypeFragment), priority, ttl); err != nil {
			return err
		}
	}
	return nil
}

// retransmit is the delivery engine's transmit hook.
func (s *Stack) retransmit(frame []byte, _ NodeID) error {
	if frame == nil {
		return nil // Reservation call before the frame exists.
	}
	return s.enqueue(frame, byte(TypeAck), dutycycle.PriorityNormal, time.Minute)
}

// broadcastRouting floods a routing payload.
func (s *Stack) broadcastRouting(payload []byte) error {
	msg := NewMessage(TypeRouting, s.self, payload)
	if err := msg.Sign(s.key); err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.enqueue(frame, byte(TypeRouting), dutycycle.PriorityNormal, time.Minute)
}

// unicastRouting sends a routing payload toward one neighbor.
func (s *Stack) unicastRouting(to NodeID, payload []byte) error {
	msg := NewMessage(TypeRouting, s.self, payload)
	msg.To = to
	if err := msg.Sign(s.key); err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.enqueue(frame, byte(TypeRouting), dutycycle.PriorityNormal, time.Minute)
}

// Beacon queues one hello beacon carrying current capabilities.
func (s *Stack) Beacon() error {
	payload, err := EncodeHelloPayload(&Hello{Caps: s.caps()})
	if err != nil {
		return err
	}
	msg := NewMessage(TypeHello, s.self, payload)
	if err := msg.Sign(s.key); err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	ttl := time.Duration(s.cfg.BeaconIntervalMs) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.enqueue(frame, byte(TypeHello), dutycycle.PriorityLow, ttl)
}

// HandleFrame processes one received radio frame: envelope verification,
// neighbor refresh, then dispatch by type. Frames not addressed to this node
// are forwarded along an installed route.
func (s *Stack) HandleFrame(raw []byte, meta dutycycle.ReceiveMeta) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	if msg.From == s.self {
		return nil // Our own broadcast echoed back.
	}

	// Any authenticated frame proves the sender is in radio range.
	s.neighbors.Observe(msg.From, Capabilities{}, meta.RSSI, meta.SNR)

	switch msg.Type {
	case TypeHello:
		hello, err := DecodeHelloPayload(msg.Payload)
		if err != nil {
			return err
		}
		s.neighbors.Observe(msg.From, hello.Caps, meta.RSSI, meta.SNR)
		return nil

	case TypeAck:
		id, err := DecodeAckPayload(msg.Payload)
		if err != nil {
			return err
		}
		s.delivery.Ack(id)
		return nil

	case TypeRouting:
		pkt, err := DecodeRoutingPayload(msg.Payload)
		if err != nil {
			return err
		}
		switch p := pkt.(type) {
		case *RouteRequest:
			return s.router.HandleRequest(p, msg.From)
		case *RouteReply:
			return s.router.HandleReply(p, msg.From)
		case *RouteError:
			return s.router.HandleError(p)
		}
		return nil

	case TypeFragment:
		frag, err := DecodeFragment(msg.Payload)
		if err != nil {
			return err
		}
		whole, err := s.frags.Accept(msg.From, frag)
		if err != nil {
			return err
		}
		if whole == nil {
			return nil // Waiting for more fragments.
		}
		// The reassembled payload is a complete envelope.
		return s.HandleFrame(whole, meta)

	default:
		return s.handleData(msg)
	}
}

// handleData delivers or forwards an application message.
func (s *Stack) handleData(msg *Message) error {
	if msg.Broadcast() || msg.To == s.self {
		payload, err := s.codec.Decode(msg.Payload)
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}

		if msg.WantAck && msg.To == s.self {
			s.sendAck(msg.From, MessageID(msg.Seq))
		}

		if s.onData != nil {
			s.onData(msg.Type, msg.From, payload)
		}
		return nil
	}

	// Not for us: forward along an installed route.
	route, ok := s.router.Table().Lookup(msg.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.To)
	}

	frame, err := msg.Encode() // Envelope is relayed unmodified.
	if err != nil {
		return err
	}
	prio := dutycycle.PriorityFor(byte(msg.Type), 0)
	if err := s.enqueue(frame, byte(msg.Type), prio, time.Minute); err != nil {
		s.router.ReportBroken(route.NextHop, msg.To)
		return err
	}
	return nil
}

// sendAck queues an ack for a delivered reliable message.
func (s *Stack) sendAck(to NodeID, id MessageID) {
	msg := NewMessage(TypeAck, s.self, EncodeAckPayload(id))
	msg.To = to
	if err := msg.Sign(s.key); err != nil {
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	if err := s.enqueue(frame, byte(TypeAck), dutycycle.PriorityNormal, time.Minute); err != nil {
		s.log.Debug().Err(err).Msg("ack enqueue failed")
	}
}
