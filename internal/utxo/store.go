package utxo

import (
	"encoding/json"
	"fmt"

	"github.com/grekinsky/lorachain/internal/storage"
	"github.com/grekinsky/lorachain/pkg/types"
)

// Key prefixes for the UTXO store.
var (
	prefixUTXO = []byte("u/") // u/<txid><index> -> UTXO JSON
	prefixAddr = []byte("a/") // a/<address><txid><index> -> empty (index)
)

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + outpoint(36).
func utxoKey(op types.Outpoint) []byte {
	return append(append([]byte(nil), prefixUTXO...), op.Bytes()...)
}

// addrKey builds an address index key: "a/" + addr(20) + outpoint(36).
func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, 0, len(prefixAddr)+types.AddressSize+types.OutpointSize)
	key = append(key, prefixAddr...)
	key = append(key, addr[:]...)
	return append(key, op.Bytes()...)
}

// Get retrieves a UTXO by its outpoint.
func (s *Store) Get(outpoint types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// scriptAddress returns the address embedded in a script, if any.
// P2PKH scripts store a 20-byte address in Data.
func scriptAddress(s types.Script) (types.Address, bool) {
	switch s.Type {
	case types.ScriptTypeP2PKH:
		if len(s.Data) >= types.AddressSize {
			var addr types.Address
			copy(addr[:], s.Data[:types.AddressSize])
			return addr, true
		}
	}
	return types.Address{}, false
}

// Put stores a UTXO and updates the address index.
func (s *Store) Put(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("utxo marshal: %w", err)
	}
	if err := s.db.Put(utxoKey(u.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}

	// Index by address for script types that contain one.
	if addr, ok := scriptAddress(u.Script); ok {
		if err := s.db.Put(addrKey(addr, u.Outpoint), []byte{}); err != nil {
			return fmt.Errorf("utxo index put: %w", err)
		}
	}

	return nil
}

// Delete removes a UTXO and its address index entry.
func (s *Store) Delete(outpoint types.Outpoint) error {
	// Read first to clean up secondary indexes.
	u, err := s.Get(outpoint)
	if err == nil {
		if addr, ok := scriptAddress(u.Script); ok {
			s.db.Delete(addrKey(addr, u.Outpoint))
		}
	}

	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a UTXO exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all UTXOs in the store.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}


// ApplyUpdates removes spent outpoints and adds new UTXOs atomically: all
// primary entries and secondary index changes commit in a single batch, and
// a failed commit leaves the store untouched. The backing database must
// support batching — there is no sequential fallback, since one would break
// the all-or-nothing contract exactly when it mattered.
func (s *Store) ApplyUpdates(adds []*UTXO, removes []types.Outpoint) error {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("utxo store: database %T does not support atomic batches", s.db)
	}

	batch := batcher.NewBatch()

	for _, op := range removes {
		// Read first so the address index entry can be removed too.
		u, err := s.Get(op)
		if err != nil {
			return fmt.Errorf("apply remove %s: %w", op, err)
		}
		if addr, ok := scriptAddress(u.Script); ok {
			if err := batch.Delete(addrKey(addr, op)); err != nil {
				return fmt.Errorf("apply remove index %s: %w", op, err)
			}
		}
		if err := batch.Delete(utxoKey(op)); err != nil {
			return fmt.Errorf("apply remove %s: %w", op, err)
		}
	}

	for _, u := range adds {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("apply add marshal %s: %w", u.Outpoint, err)
		}
		if err := batch.Put(utxoKey(u.Outpoint), data); err != nil {
			return fmt.Errorf("apply add %s: %w", u.Outpoint, err)
		}
		if addr, ok := scriptAddress(u.Script); ok {
			if err := batch.Put(addrKey(addr, u.Outpoint), []byte{}); err != nil {
				return fmt.Errorf("apply add index %s: %w", u.Outpoint, err)
			}
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("apply updates commit: %w", err)
	}
	return nil
}

// Balance returns the total value of all UTXOs held by the given address.
func (s *Store) Balance(addr types.Address) (uint64, error) {
	utxos, err := s.GetByAddress(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// Snapshot returns a copy of the full UTXO set keyed by outpoint.
// The copy is independent of the store and safe to read concurrently.
func (s *Store) Snapshot() (map[types.Outpoint]*UTXO, error) {
	snap := make(map[types.Outpoint]*UTXO)
	err := s.ForEach(func(u *UTXO) error {
		c := *u
		snap[u.Outpoint] = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ClearAll removes all UTXOs and their secondary index entries.
// Used when rebuilding the UTXO set from the block store.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}

// GetByAddress returns all UTXOs belonging to the given address.
// It scans the address index and loads each referenced UTXO.
func (s *Store) GetByAddress(addr types.Address) ([]*UTXO, error) {
	// Build the prefix: "a/" + addr(20).
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var utxos []*UTXO
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		// Key layout: "a/" + addr(20) + outpoint(36).
		off := len(prefixAddr) + types.AddressSize
		if len(key) < off+types.OutpointSize {
			return nil // Malformed key, skip.
		}
		op, err := types.OutpointFromBytes(key[off : off+types.OutpointSize])
		if err != nil {
			return nil
		}

		u, err := s.Get(op)
		if err != nil {
			return nil // UTXO may have been spent, skip.
		}
		utxos = append(utxos, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return utxos, nil
}
