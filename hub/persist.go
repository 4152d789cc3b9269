package hub

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// Persister makes hub writes durable.
type Persister interface {
	// Load returns the whole persisted tree.
	Load() (any, error)
	// Apply records that the node at path now holds value (nil removes it).
	Apply(path string, value any) error
	Close() error
}

// PebblePersister stores every leaf of the tree under its full path.
type PebblePersister struct {
	db *pebble.DB
}

// OpenPebble opens or creates a pebble database in dir.
func OpenPebble(dir string) (*PebblePersister, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	return &PebblePersister{db: db}, nil
}

func (p *PebblePersister) Load() (any, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "pebble iterator")
	}
	defer iter.Close()

	var data any
	for iter.First(); iter.Valid(); iter.Next() {
		var v any
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		data = setIn(data, remote.Split(string(iter.Key())), v)
	}
	return data, errors.Wrap(iter.Error(), "pebble iterate")
}

func (p *PebblePersister) Apply(path string, value any) error {
	b := p.db.NewBatch()
	defer b.Close()

	segs := remote.Split(path)
	if len(segs) == 0 {
		if err := b.DeleteRange([]byte{}, []byte{0xff}, nil); err != nil {
			return err
		}
	} else {
		// An ancestor may currently be stored as a leaf.
		for i := 1; i <= len(segs); i++ {
			if err := b.Delete([]byte(strings.Join(segs[:i], "/")), nil); err != nil {
				return err
			}
		}
		// '0' sorts right after '/', so this range covers exactly the subtree.
		prefix := strings.Join(segs, "/")
		if err := b.DeleteRange([]byte(prefix+"/"), []byte(prefix+"0"), nil); err != nil {
			return err
		}
	}

	err := walkLeaves(strings.Join(segs, "/"), value, func(key string, leaf any) error {
		data, err := json.Marshal(leaf)
		if err != nil {
			return err
		}
		return b.Set([]byte(key), data, nil)
	})
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return b.Commit(pebble.Sync)
}

func (p *PebblePersister) Close() error {
	return p.db.Close()
}

// walkLeaves calls fn for every non-map node below v. Slices are leaves.
func walkLeaves(path string, v any, fn func(string, any) error) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, c := range t {
			if err := walkLeaves(remote.Join(path, k), c, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		if path == "" {
			return nil
		}
		return fn(path, v)
	}
}
