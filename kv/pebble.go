package kv

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// PebbleStore is a Store backed by github.com/cockroachdb/pebble, giving
// TrustContext deployments and long-running sessions durable, ordered
// storage without hand-rolling an on-disk format. pebble is listed in
// gosuda-portal's own go.mod but imported by none of its packages; this is
// the package that uses it, per SPEC_FULL.md §6's domain-stack expansion.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens (creating if needed) a pebble database at dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "kv: open pebble store")
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "kv: pebble get")
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

func (p *PebbleStore) Set(key, value []byte) error {
	return errors.Wrap(p.db.Set(key, value, pebble.Sync), "kv: pebble set")
}

func (p *PebbleStore) Delete(key []byte) error {
	return errors.Wrap(p.db.Delete(key, pebble.Sync), "kv: pebble delete")
}

// Foreach visits every key in ascending order via a pebble iterator.
func (p *PebbleStore) Foreach(fn func(key, value []byte) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return errors.Wrap(err, "kv: pebble new iterator")
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "kv: pebble iterate")
}

func (p *PebbleStore) Close() error {
	return errors.Wrap(p.db.Close(), "kv: pebble close")
}
