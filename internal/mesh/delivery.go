package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
)

// Delivery errors.
var (
	ErrDeliveryFailed = errors.New("delivery failed after retries")
	ErrDuplicateSend  = errors.New("message id already pending")
)

// Level selects the delivery guarantee for a send.
type Level int

const (
	// BestEffort transmits once and never retries.
	BestEffort Level = iota
	// Confirmed requires an ack and retries a bounded number of times.
	Confirmed
	// Guaranteed requires an ack, retries with an extended budget, and
	// moves to the dead-letter list on exhaustion.
	Guaranteed
)

func (l Level) String() string {
	switch l {
	case BestEffort:
		return "best-effort"
	case Confirmed:
		return "confirmed"
	case Guaranteed:
		return "guaranteed"
	default:
		return "unknown"
	}
}

// guaranteedRetryFactor extends the retry budget for Guaranteed sends.
const guaranteedRetryFactor = 3

// MessageID identifies one reliable send on the wire (carried in acks).
type MessageID uint64

// EncodeAckPayload builds the payload of a TypeAck message.
func EncodeAckPayload(id MessageID) []byte {
	return binary.AppendUvarint(nil, uint64(id))
}

// DecodeAckPayload parses a TypeAck payload.
func DecodeAckPayload(data []byte) (MessageID, error) {
	id, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, fmt.Errorf("%w: ack payload", ErrBadMessage)
	}
	return MessageID(id), nil
}

// Transmit hands an encoded frame to the transport below (the duty-cycle
// queue in the full node). The delivery engine retries through this hook.
type Transmit func(frame []byte, to NodeID) error

// pendingSend tracks one unacked message.
type pendingSend struct {
	id        MessageID
	frame     []byte
	to        NodeID
	level     Level
	attempts  int
	maxRetry  int
	nextRetry time.Time
	deadline  time.Time
	delay     time.Duration
}

// DeadLetter is an exhausted guaranteed send.
type DeadLetter struct {
	ID       MessageID
	To       NodeID
	Frame    []byte
	Attempts int
	FailedAt time.Time
}

// Delivery implements acknowledged delivery with exponential backoff and
// jitter. Each send owns a pending entry keyed by message id; the incoming
// ack path resolves it. Duplicate acks are idempotent.
type Delivery struct {
	mu      sync.Mutex
	pending map[MessageID]*pendingSend
	dead    []DeadLetter
	nextID  MessageID

	transmit Transmit
	cfg      config.MeshConfig

	// OnFailed is invoked (outside the lock) when a send exhausts its
	// retries or passes its deadline.
	OnFailed func(id MessageID, to NodeID, level Level)
	// OnDelivered is invoked when an ack resolves a pending send.
	OnDelivered func(id MessageID, to NodeID)

	rng *rand.Rand
	log zerolog.Logger

	now func() time.Time
}

// NewDelivery creates a delivery engine over the given transmit hook.
func NewDelivery(cfg config.MeshConfig, transmit Transmit, log zerolog.Logger) *Delivery {
	return &Delivery{
		pending:  make(map[MessageID]*pendingSend),
		transmit: transmit,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
		now:      time.Now,
	}
}

// Register reserves a pending entry for a reliable send before the frame
// exists (the envelope must carry the id, so the id comes first). Attach the
// encoded frame with SetFrame.
func (d *Delivery) Register(to NodeID, level Level) MessageID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID

	maxRetry := d.cfg.MaxRetries
	if level == Guaranteed {
		maxRetry *= guaranteedRetryFactor
	}

	now := d.now()
	d.pending[id] = &pendingSend{
		id:        id,
		to:        to,
		level:     level,
		attempts:  1,
		maxRetry:  maxRetry,
		delay:     time.Duration(d.cfg.BackoffInitialMs) * time.Millisecond,
		nextRetry: now.Add(d.ackTimeout()),
		deadline:  now.Add(d.ackTimeout() + d.totalBackoff(maxRetry)),
	}
	return id
}

// SetFrame attaches the encoded frame the retry engine retransmits.
func (d *Delivery) SetFrame(id MessageID, frame []byte) {
	d.mu.Lock()
	if p, ok := d.pending[id]; ok {
		p.frame = frame
	}
	d.mu.Unlock()
}

// Send transmits a frame at the requested level. Returns the message id the
// receiver must ack (0 for best-effort sends, which are fire-and-forget).
func (d *Delivery) Send(frame []byte, to NodeID, level Level) (MessageID, error) {
	if level == BestEffort {
		return 0, d.transmit(frame, to)
	}

	id := d.Register(to, level)
	d.SetFrame(id, frame)

	if err := d.transmit(frame, to); err != nil {
		// First attempt failed; the retry engine takes over.
		d.log.Debug().Uint64("id", uint64(id)).Err(err).Msg("initial transmit failed, will retry")
	}
	return id, nil
}

// Ack resolves a pending send. Unknown or repeated ids are ignored.
func (d *Delivery) Ack(id MessageID) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if ok && d.OnDelivered != nil {
		d.OnDelivered(id, p.to)
	}
}

// Cancel drops ack bookkeeping for a send (e.g. the queued frame was
// cancelled before transmission).
func (d *Delivery) Cancel(id MessageID) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// PendingCount returns the number of unacked sends.
func (d *Delivery) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// DeadLetters returns the exhausted guaranteed sends.
func (d *Delivery) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.dead))
	copy(out, d.dead)
	return out
}

// Tick drives retries and expirations. Returns the number of frames
// retransmitted. The node calls this from its scheduler cadence.
func (d *Delivery) Tick() int {
	now := d.now()

	var retries []*pendingSend
	var failed []*pendingSend

	d.mu.Lock()
	for id, p := range d.pending {
		if now.After(p.deadline) || (p.attempts > p.maxRetry && now.After(p.nextRetry)) {
			delete(d.pending, id)
			failed = append(failed, p)
			continue
		}
		if now.After(p.nextRetry) && p.attempts <= p.maxRetry {
			p.attempts++
			p.nextRetry = now.Add(d.backoff(p))
			retries = append(retries, p)
		}
	}
	for _, p := range failed {
		if p.level == Guaranteed {
			d.dead = append(d.dead, DeadLetter{
				ID: p.id, To: p.to, Frame: p.frame,
				Attempts: p.attempts, FailedAt: now,
			})
		}
	}
	d.mu.Unlock()

	for _, p := range retries {
		if err := d.transmit(p.frame, p.to); err != nil {
			d.log.Debug().Uint64("id", uint64(p.id)).Err(err).Msg("retry transmit failed")
		}
	}
	for _, p := range failed {
		d.log.Warn().
			Uint64("id", uint64(p.id)).
			Str("level", p.level.String()).
			Int("attempts", p.attempts).
			Msg("delivery failed")
		if d.OnFailed != nil {
			d.OnFailed(p.id, p.to, p.level)
		}
	}
	return len(retries)
}

// backoff computes the next retry delay: delay·multiplier^attempt plus
// uniform jitter, capped at the configured maximum. Caller holds d.mu.
func (d *Delivery) backoff(p *pendingSend) time.Duration {
	next := time.Duration(float64(p.delay) * d.cfg.BackoffMultiplier)
	maxDelay := time.Duration(d.cfg.BackoffMaxMs) * time.Millisecond
	if maxDelay > 0 && next > maxDelay {
		next = maxDelay
	}
	p.delay = next

	jitter := time.Duration(0)
	if d.cfg.BackoffJitterMs > 0 {
		jitter = time.Duration(d.rng.Intn(d.cfg.BackoffJitterMs)) * time.Millisecond
	}
	return next + jitter
}

// totalBackoff bounds the whole retry schedule for the deadline.
func (d *Delivery) totalBackoff(retries int) time.Duration {
	delay := time.Duration(d.cfg.BackoffInitialMs) * time.Millisecond
	maxDelay := time.Duration(d.cfg.BackoffMaxMs) * time.Millisecond
	jitter := time.Duration(d.cfg.BackoffJitterMs) * time.Millisecond

	var total time.Duration
	for i := 0; i < retries; i++ {
		total += delay + jitter
		delay = time.Duration(float64(delay) * d.cfg.BackoffMultiplier)
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return total
}

// ackTimeout returns the per-attempt ack wait.
func (d *Delivery) ackTimeout() time.Duration {
	if d.cfg.AckTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.cfg.AckTimeoutMs) * time.Millisecond
}

// Run drives Tick until the context-free stop channel closes.
func (d *Delivery) Run(stop <-chan struct{}, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 250 * time.Millisecond
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}
