package refs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jupiter/internal/hash"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var prefixRefs = []byte("ref\x00")

// pebbleRecord is the value stored under a ref key.
type pebbleRecord struct {
	RootHash   hash.ContentHash `cbor:"1,keyasint"`
	RootObject []byte           `cbor:"2,keyasint"`
	LastAccess int64            `cbor:"3,keyasint"`
	Finalized  bool             `cbor:"4,keyasint"`
	Generation uint64           `cbor:"5,keyasint"`
}

// PebbleIndex stores refs in an embedded Pebble key-value store. Keys are
// laid out as ref\x00<namespace>\x00<bucket>\x00<name>.
type PebbleIndex struct {
	db *pebble.DB
	// mu serializes read-modify-write sequences.
	mu sync.Mutex
}

var _ Index = (*PebbleIndex)(nil)

func OpenPebbleIndex(dir string) (*PebbleIndex, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleIndex{db: db}, nil
}

func (p *PebbleIndex) Close() error {
	return p.db.Close()
}

func namespacePrefix(namespace string) []byte {
	return append(append(append([]byte{}, prefixRefs...), namespace...), 0)
}

func bucketPrefix(namespace, bucket string) []byte {
	return append(append(namespacePrefix(namespace), bucket...), 0)
}

func encodeKey(key Key) []byte {
	return append(bucketPrefix(key.Namespace, key.Bucket), key.Name...)
}

func decodeKey(raw []byte) (Key, bool) {
	rest := raw[len(prefixRefs):]
	var parts [3][]byte
	for i := 0; i < 2; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return Key{}, false
		}
		parts[i], rest = rest[:idx], rest[idx+1:]
	}
	parts[2] = rest
	return Key{Namespace: string(parts[0]), Bucket: string(parts[1]), Name: string(parts[2])}, true
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}

func (p *PebbleIndex) load(key Key) (pebbleRecord, bool, error) {
	val, closer, err := p.db.Get(encodeKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return pebbleRecord{}, false, nil
		}
		return pebbleRecord{}, false, err
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return pebbleRecord{}, false, fmt.Errorf("decode ref %s: %w", key, err)
	}
	rec.RootObject = bytes.Clone(rec.RootObject)
	return rec, true, nil
}

func (p *PebbleIndex) store(key Key, rec pebbleRecord) error {
	val, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return p.db.Set(encodeKey(key), val, pebble.Sync)
}

func (r pebbleRecord) toRecord(key Key) Record {
	return Record{
		Key:        key,
		RootHash:   r.RootHash,
		RootObject: r.RootObject,
		LastAccess: time.Unix(0, r.LastAccess).UTC(),
		Finalized:  r.Finalized,
		Generation: r.Generation,
	}
}

func (p *PebbleIndex) Put(_ context.Context, rec Record) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok, err := p.load(rec.Key)
	if err != nil {
		return 0, err
	}
	generation := uint64(1)
	if ok {
		generation = prev.Generation + 1
	}

	err = p.store(rec.Key, pebbleRecord{
		RootHash:   rec.RootHash,
		RootObject: rec.RootObject,
		LastAccess: rec.LastAccess.UTC().UnixNano(),
		Generation: generation,
	})
	if err != nil {
		return 0, fmt.Errorf("put ref %s: %w", rec.Key, err)
	}
	return generation, nil
}

func (p *PebbleIndex) Get(_ context.Context, key Key) (Record, bool, error) {
	rec, ok, err := p.load(key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	return rec.toRecord(key), true, nil
}

func (p *PebbleIndex) MarkFinalized(_ context.Context, key Key, generation uint64, root hash.ContentHash) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok, err := p.load(key)
	if err != nil || !ok {
		return false, err
	}
	if rec.Generation != generation || rec.RootHash != root {
		return false, nil
	}
	rec.Finalized = true
	return true, p.store(key, rec)
}

func (p *PebbleIndex) Touch(_ context.Context, key Key, at time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok, err := p.load(key)
	if err != nil || !ok {
		return false, err
	}
	if ts := at.UTC().UnixNano(); ts > rec.LastAccess {
		rec.LastAccess = ts
		return true, p.store(key, rec)
	}
	return true, nil
}

func (p *PebbleIndex) UpdateLastAccess(_ context.Context, batch map[Key]time.Time) error {
	if len(batch) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()

	for key, at := range batch {
		rec, ok, err := p.load(key)
		if err != nil {
			return err
		}
		ts := at.UTC().UnixNano()
		if !ok || ts <= rec.LastAccess {
			continue
		}
		rec.LastAccess = ts
		val, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Set(encodeKey(key), val, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleIndex) Delete(_ context.Context, key Key) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok, err := p.load(key)
	if err != nil || !ok {
		return false, err
	}
	return true, p.db.Delete(encodeKey(key), pebble.Sync)
}

// deleteMatching removes every ref under prefix for which match returns
// true.
func (p *PebbleIndex) deleteMatching(prefix []byte, match func(pebbleRecord) bool) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return 0, err
	}

	b := p.db.NewBatch()
	defer b.Close()

	var removed int64
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			_ = iter.Close()
			return 0, fmt.Errorf("decode ref at %q: %w", iter.Key(), err)
		}
		if !match(rec) {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return 0, err
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, b.Commit(pebble.Sync)
}

func (p *PebbleIndex) DeleteBucket(_ context.Context, namespace, bucket string) (int64, error) {
	return p.deleteMatching(bucketPrefix(namespace, bucket), func(pebbleRecord) bool { return true })
}

func (p *PebbleIndex) DeleteOlderThan(_ context.Context, namespace string, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().UnixNano()
	return p.deleteMatching(namespacePrefix(namespace), func(rec pebbleRecord) bool {
		return rec.LastAccess < ts
	})
}

// ForEach iterates over a snapshot of the namespace.
func (p *PebbleIndex) ForEach(ctx context.Context, namespace string, fn func(Record) error) error {
	prefix := namespacePrefix(namespace)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, ok := decodeKey(iter.Key())
		if !ok {
			continue
		}
		var rec pebbleRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode ref %s: %w", key, err)
		}
		// Values are only valid until the iterator moves.
		rec.RootObject = bytes.Clone(rec.RootObject)
		if err := fn(rec.toRecord(key)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleIndex) Namespaces(_ context.Context) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixRefs,
		UpperBound: incrementByte(prefixRefs),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var namespaces []string
	for valid := iter.First(); valid; {
		key, ok := decodeKey(iter.Key())
		if !ok {
			valid = iter.Next()
			continue
		}
		namespaces = append(namespaces, key.Namespace)
		valid = iter.SeekGE(incrementByte(namespacePrefix(key.Namespace)))
	}
	return namespaces, iter.Error()
}
