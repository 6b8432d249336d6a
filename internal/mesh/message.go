// Package mesh implements the multi-hop radio mesh protocol: the signed
// message envelope, reactive route discovery, neighbor beacons, payload
// fragmentation, and acknowledged delivery.
package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/grekinsky/lorachain/pkg/crypto"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Protocol errors.
var (
	ErrBadMessage    = errors.New("malformed mesh message")
	ErrBadMagic      = errors.New("bad mesh magic")
	ErrBadVersion    = errors.New("unsupported mesh protocol version")
	ErrBadSignature  = errors.New("mesh message signature does not verify")
	ErrNoRoute       = errors.New("no route to destination")
	ErrTimeout       = errors.New("mesh operation timed out")
)

// NodeID identifies a mesh node: BLAKE3(ed25519 pubkey)[:20], the same
// derivation ledger addresses use for secp256k1 keys.
type NodeID = types.Address

// NodeIDFromPubKey derives a node id from an Ed25519 public key.
func NodeIDFromPubKey(pubKey []byte) NodeID {
	return crypto.AddressFromPubKey(pubKey)
}

// MessageType tags the envelope payload.
type MessageType byte

const (
	TypeTransaction MessageType = 0x01
	TypeBlock       MessageType = 0x02
	TypeSync        MessageType = 0x03 // Merkle proofs / chain sync
	TypeRouting     MessageType = 0x04 // Route request/reply/error
	TypeHello       MessageType = 0x05 // Neighbor beacons
	TypeFragment    MessageType = 0x06
	TypeAck         MessageType = 0x07
)

func (t MessageType) String() string {
	switch t {
	case TypeTransaction:
		return "transaction"
	case TypeBlock:
		return "block"
	case TypeSync:
		return "sync"
	case TypeRouting:
		return "routing"
	case TypeHello:
		return "hello"
	case TypeFragment:
		return "fragment"
	case TypeAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Wire constants.
const (
	// Magic marks a mesh envelope ("Lm").
	magic0 = 0x4C
	magic1 = 0x6D

	envelopeVersion = 1

	flagHasTo   = 0x01
	flagHasSeq  = 0x02
	flagWantAck = 0x04
)

// Message is the mesh envelope. Payload bytes have already been through the
// codec layer when the envelope crosses the radio.
type Message struct {
	Type      MessageType
	Timestamp uint64 // Unix milliseconds at creation.
	From      NodeID
	To        NodeID // Zero value = broadcast.
	Seq       uint64 // Delivery sequence; nonzero when WantAck is set.
	WantAck   bool   // Receiver must answer with a TypeAck carrying Seq.
	Payload   []byte

	PubKey    []byte // Ed25519, 32 bytes.
	Signature []byte // Ed25519, 64 bytes.
}

// NewMessage stamps an envelope with the current time.
func NewMessage(t MessageType, from NodeID, payload []byte) *Message {
	return &Message{
		Type:      t,
		Timestamp: uint64(time.Now().UnixMilli()),
		From:      from,
		Payload:   payload,
	}
}

// Broadcast reports whether the message has no specific destination.
func (m *Message) Broadcast() bool {
	return m.To == (NodeID{})
}

// signingBytes returns the envelope bytes covered by the signature.
func (m *Message) signingBytes() []byte {
	buf := make([]byte, 0, 64+len(m.Payload))
	buf = append(buf, byte(m.Type))
	buf = binary.AppendUvarint(buf, m.Timestamp)
	buf = append(buf, m.From[:]...)
	buf = append(buf, m.To[:]...)
	buf = binary.AppendUvarint(buf, m.Seq)
	if m.WantAck {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf
}

// Sign signs the envelope and stamps the sender's public key.
// The From field must match the key's node id.
func (m *Message) Sign(key *crypto.MeshKey) error {
	if NodeIDFromPubKey(key.PublicKey()) != m.From {
		return fmt.Errorf("%w: from does not match signing key", ErrBadMessage)
	}
	m.PubKey = key.PublicKey()
	m.Signature = key.Sign(m.signingBytes())
	return nil
}

// Verify checks the envelope signature and that From matches the key.
func (m *Message) Verify() error {
	if NodeIDFromPubKey(m.PubKey) != m.From {
		return fmt.Errorf("%w: from does not match pubkey", ErrBadSignature)
	}
	if !crypto.VerifyMeshSignature(m.signingBytes(), m.Signature, m.PubKey) {
		return ErrBadSignature
	}
	return nil
}

// Encode serializes the envelope:
//
//	magic(2) | version(1) | type(1) | flags(1) | timestamp | from(20) |
//	[to(20)] | [seq] | payload_len | payload | pubkey(32) | signature(64)
//
// Integers are unsigned varints.
func (m *Message) Encode() ([]byte, error) {
	if len(m.PubKey) != crypto.MeshPublicKeySize || len(m.Signature) != crypto.MeshSignatureSize {
		return nil, fmt.Errorf("%w: unsigned message", ErrBadMessage)
	}

	var flags byte
	if !m.Broadcast() {
		flags |= flagHasTo
	}
	if m.Seq != 0 {
		flags |= flagHasSeq
	}
	if m.WantAck {
		flags |= flagWantAck
	}

	out := make([]byte, 0, 128+len(m.Payload))
	out = append(out, magic0, magic1, envelopeVersion, byte(m.Type), flags)
	out = binary.AppendUvarint(out, m.Timestamp)
	out = append(out, m.From[:]...)
	if !m.Broadcast() {
		out = append(out, m.To[:]...)
	}
	if m.Seq != 0 {
		out = binary.AppendUvarint(out, m.Seq)
	}
	out = binary.AppendUvarint(out, uint64(len(m.Payload)))
	out = append(out, m.Payload...)
	out = append(out, m.PubKey...)
	out = append(out, m.Signature...)
	return out, nil
}

// DecodeMessage parses and verifies an envelope.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadMessage, len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, ErrBadMagic
	}
	if data[2] != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[2])
	}

	m := &Message{Type: MessageType(data[3])}
	flags := data[4]
	rest := data[5:]

	ts, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: timestamp", ErrBadMessage)
	}
	m.Timestamp = ts
	rest = rest[n:]

	if len(rest) < types.AddressSize {
		return nil, fmt.Errorf("%w: truncated from", ErrBadMessage)
	}
	copy(m.From[:], rest[:types.AddressSize])
	rest = rest[types.AddressSize:]

	if flags&flagHasTo != 0 {
		if len(rest) < types.AddressSize {
			return nil, fmt.Errorf("%w: truncated to", ErrBadMessage)
		}
		copy(m.To[:], rest[:types.AddressSize])
		rest = rest[types.AddressSize:]
	}

	if flags&flagHasSeq != 0 {
		seq, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: seq", ErrBadMessage)
		}
		m.Seq = seq
		rest = rest[n:]
	}
	m.WantAck = flags&flagWantAck != 0

	plen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: payload length", ErrBadMessage)
	}
	rest = rest[n:]

	trailer := crypto.MeshPublicKeySize + crypto.MeshSignatureSize
	if uint64(len(rest)) != plen+uint64(trailer) {
		return nil, fmt.Errorf("%w: length mismatch", ErrBadMessage)
	}
	m.Payload = rest[:plen]
	m.PubKey = rest[plen : plen+uint64(crypto.MeshPublicKeySize)]
	m.Signature = rest[plen+uint64(crypto.MeshPublicKeySize):]

	if err := m.Verify(); err != nil {
		return nil, err
	}
	return m, nil
}
