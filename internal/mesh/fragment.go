package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grekinsky/lorachain/pkg/crypto"
)

// Fragmentation errors.
var (
	ErrBadFragment      = errors.New("malformed fragment")
	ErrFragmentTooLarge = errors.New("fragment chunk exceeds MTU")
)

// fragmentIDSize is the message-id carried by every fragment: the first 8
// bytes of the BLAKE3 hash of the whole payload.
const fragmentIDSize = 8

// FragmentID groups the fragments of one message.
type FragmentID [fragmentIDSize]byte

// Fragment is one MTU-sized slice of a larger payload.
type Fragment struct {
	ID    FragmentID
	Index uint32
	Total uint32
	Chunk []byte
}

// Encode serializes a fragment: id(8) | index | total | chunk.
func (f *Fragment) Encode() []byte {
	out := make([]byte, 0, fragmentIDSize+8+len(f.Chunk))
	out = append(out, f.ID[:]...)
	out = binary.AppendUvarint(out, uint64(f.Index))
	out = binary.AppendUvarint(out, uint64(f.Total))
	out = append(out, f.Chunk...)
	return out
}

// DecodeFragment parses a fragment payload.
func DecodeFragment(data []byte) (*Fragment, error) {
	if len(data) < fragmentIDSize+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFragment, len(data))
	}
	var f Fragment
	copy(f.ID[:], data[:fragmentIDSize])
	rest := data[fragmentIDSize:]

	idx, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: index", ErrBadFragment)
	}
	rest = rest[n:]
	total, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: total", ErrBadFragment)
	}
	rest = rest[n:]

	f.Index = uint32(idx)
	f.Total = uint32(total)
	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrBadFragment, f.Index, f.Total)
	}
	f.Chunk = rest
	return &f, nil
}

// Split cuts a payload into MTU-sized fragments sharing a content-derived id.
// Payloads that already fit return nil (no fragmentation needed).
func Split(payload []byte, mtu int) []*Fragment {
	if mtu <= 0 || len(payload) <= mtu {
		return nil
	}

	hash := crypto.Hash(payload)
	var id FragmentID
	copy(id[:], hash[:fragmentIDSize])

	total := (len(payload) + mtu - 1) / mtu
	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		frags = append(frags, &Fragment{
			ID:    id,
			Index: uint32(i),
			Total: uint32(total),
			Chunk: chunk,
		})
	}
	return frags
}

// reassemblyKey scopes buffers per (sender, message id).
type reassemblyKey struct {
	sender NodeID
	id     FragmentID
}

// reassemblyBuffer accumulates one message's fragments.
type reassemblyBuffer struct {
	total    uint32
	chunks   map[uint32][]byte
	deadline time.Time
}

// Reassembler reconstructs fragmented payloads. Buffers expire on TTL;
// completed messages are surfaced exactly once.
type Reassembler struct {
	mu      sync.Mutex
	buffers map[reassemblyKey]*reassemblyBuffer
	done    map[reassemblyKey]time.Time // Recently completed, for dedup.
	ttl     time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewReassembler creates a reassembler whose buffers expire after ttl.
func NewReassembler(ttl time.Duration) *Reassembler {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Reassembler{
		buffers: make(map[reassemblyKey]*reassemblyBuffer),
		done:    make(map[reassemblyKey]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Accept feeds one fragment. When the set completes, the reconstructed
// payload is returned once; duplicates and late fragments return nil.
func (r *Reassembler) Accept(sender NodeID, f *Fragment) ([]byte, error) {
	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrBadFragment, f.Index, f.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expireLocked(now)

	key := reassemblyKey{sender: sender, id: f.ID}
	if _, completed := r.done[key]; completed {
		return nil, nil // Whole message already surfaced.
	}

	buf, ok := r.buffers[key]
	if !ok {
		buf = &reassemblyBuffer{
			total:    f.Total,
			chunks:   make(map[uint32][]byte),
			deadline: now.Add(r.ttl),
		}
		r.buffers[key] = buf
	}
	if buf.total != f.Total {
		return nil, fmt.Errorf("%w: total changed from %d to %d", ErrBadFragment, buf.total, f.Total)
	}

	if _, dup := buf.chunks[f.Index]; dup {
		return nil, nil
	}
	chunk := make([]byte, len(f.Chunk))
	copy(chunk, f.Chunk)
	buf.chunks[f.Index] = chunk

	if uint32(len(buf.chunks)) < buf.total {
		return nil, nil
	}

	// Complete: reconstruct in index order.
	var payload []byte
	for i := uint32(0); i < buf.total; i++ {
		payload = append(payload, buf.chunks[i]...)
	}
	delete(r.buffers, key)
	r.done[key] = now.Add(r.ttl)
	return payload, nil
}

// Missing reports the absent indices for a (sender, id) buffer, for
// selective retransmission requests. Nil when nothing is buffered.
func (r *Reassembler) Missing(sender NodeID, id FragmentID) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[reassemblyKey{sender: sender, id: id}]
	if !ok {
		return nil
	}
	var missing []uint32
	for i := uint32(0); i < buf.total; i++ {
		if _, ok := buf.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Pending returns the number of in-progress buffers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// expireLocked drops buffers past their TTL and ages the dedup set.
func (r *Reassembler) expireLocked(now time.Time) {
	for key, buf := range r.buffers {
		if now.After(buf.deadline) {
			delete(r.buffers, key)
		}
	}
	for key, deadline := range r.done {
		if now.After(deadline) {
			delete(r.done, key)
		}
	}
}
