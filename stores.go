package mimo

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// StoreDirectory caches every public store.
type StoreDirectory struct {
	mu     sync.RWMutex
	cache  *OrderedCache[Store]
	server *Server
	me     *identity
	log    *slog.Logger
	notify func()
}

func newStoreDirectory(server *Server, me *identity, logger *slog.Logger, notify func()) *StoreDirectory {
	d := &StoreDirectory{
		cache:  NewOrderedCache(func(s Store) string { return s.UID }),
		server: server,
		me:     me,
		log:    logger,
		notify: notify,
	}
	server.OnStoreAdded(d.storeChanged)
	server.OnStoreChanged(d.storeChanged)
	return d
}

func (d *StoreDirectory) start(ctx context.Context) error {
	return d.server.ListenStores(ctx)
}

// Store returns the cached store with the given uid.
func (d *StoreDirectory) Store(uid string) (Store, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.cache.Get(uid)
	return s.clone(), ok
}

// Stores returns every store ordered by uid.
func (d *StoreDirectory) Stores() []Store {
	return d.filter(func(Store) bool { return true })
}

// StoresByCategory returns the stores listing category.
func (d *StoreDirectory) StoresByCategory(category string) []Store {
	return d.filter(func(s Store) bool { return s.HasCategory(category) })
}

// SearchStores matches query against store names and descriptions,
// ignoring case.
func (d *StoreDirectory) SearchStores(query string) []Store {
	q := strings.ToLower(strings.TrimSpace(query))
	return d.filter(func(s Store) bool {
		return strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(strings.ToLower(s.Description), q)
	})
}

func (d *StoreDirectory) filter(keep func(Store) bool) []Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Store
	for _, s := range d.cache.Items() {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

func (d *StoreDirectory) storeChanged(s Store) {
	d.mu.Lock()
	if _, ok := d.me.get(); !ok {
		d.mu.Unlock()
		return
	}
	d.cache.Upsert(s)
	d.mu.Unlock()
	d.notify()
}

func (d *StoreDirectory) clear() {
	d.mu.Lock()
	d.cache.Clear()
	d.mu.Unlock()
}
