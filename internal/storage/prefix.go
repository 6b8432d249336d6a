package storage

// Sublevel carves a logical keyspace out of a shared database by key
// prefix: blocks, UTXOs, pending transactions, and transmission history all
// live in one physical store but never see each other's keys. Batches taken
// on a sublevel delegate to the base database, so one commit can span
// several sublevels when callers share it.
type Sublevel struct {
	base   DB
	prefix []byte
}

// Ensure a sublevel is usable anywhere a DB is.
var _ DB = (*Sublevel)(nil)

// NewSublevel scopes db to the given key prefix.
func NewSublevel(db DB, prefix []byte) *Sublevel {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &Sublevel{base: db, prefix: p}
}

// scoped returns the physical key for a logical one.
func (s *Sublevel) scoped(key []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	return append(out, key...)
}

// Get retrieves a value by logical key.
func (s *Sublevel) Get(key []byte) ([]byte, error) {
	return s.base.Get(s.scoped(key))
}

// Put stores a key-value pair inside the sublevel.
func (s *Sublevel) Put(key, value []byte) error {
	return s.base.Put(s.scoped(key), value)
}

// Delete removes a logical key.
func (s *Sublevel) Delete(key []byte) error {
	return s.base.Delete(s.scoped(key))
}

// Has checks whether a logical key exists.
func (s *Sublevel) Has(key []byte) (bool, error) {
	return s.base.Has(s.scoped(key))
}

// ForEach scans the sublevel by logical prefix. Callbacks receive keys with
// the sublevel prefix stripped, so callers only ever see their own keyspace.
func (s *Sublevel) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return s.base.ForEach(s.scoped(prefix), func(key, value []byte) error {
		return fn(key[len(s.prefix):], value)
	})
}

// DeleteAll removes every key in the sublevel.
func (s *Sublevel) DeleteAll() error {
	// Collect first: mutating while iterating is undefined for some bases.
	var keys [][]byte
	err := s.base.ForEach(s.prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.base.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op — the base database manages its own lifecycle.
func (s *Sublevel) Close() error {
	return nil
}

// NewBatch creates a batch whose writes land inside the sublevel while
// committing through the base database, so sublevels over one base share
// atomicity. The base MUST implement Batcher; a sublevel over a database
// without batches would silently lose the all-or-nothing guarantee, so the
// mismatch is treated as a programming error.
func (s *Sublevel) NewBatch() Batch {
	batcher, ok := s.base.(Batcher)
	if !ok {
		panic("storage: sublevel base database does not implement Batcher")
	}
	return &sublevelBatch{base: batcher.NewBatch(), sub: s}
}

type sublevelBatch struct {
	base Batch
	sub  *Sublevel
}

func (b *sublevelBatch) Put(key, value []byte) error {
	return b.base.Put(b.sub.scoped(key), value)
}

func (b *sublevelBatch) Delete(key []byte) error {
	return b.base.Delete(b.sub.scoped(key))
}

func (b *sublevelBatch) Commit() error {
	return b.base.Commit()
}
