package mimo

import (
	"log/slog"
	"sync"
)

// UserDirectory caches the public profiles of the session user and of
// everyone they talk to or receive requests from.
type UserDirectory struct {
	mu     sync.RWMutex
	cache  *OrderedCache[User]
	me     *identity
	log    *slog.Logger
	notify func()
}

func newUserDirectory(server *Server, me *identity, logger *slog.Logger, notify func()) *UserDirectory {
	d := &UserDirectory{
		cache:  NewOrderedCache(func(u User) string { return u.UID }),
		me:     me,
		log:    logger,
		notify: notify,
	}
	server.OnUser(d.userChanged)
	return d
}

// User returns the cached profile of uid.
func (d *UserDirectory) User(uid string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache.Get(uid)
}

// Users returns every cached profile ordered by uid.
func (d *UserDirectory) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache.Items()
}

func (d *UserDirectory) put(u User) {
	d.mu.Lock()
	d.cache.Upsert(u)
	d.mu.Unlock()
}

// userChanged ignores profiles arriving after logout.
func (d *UserDirectory) userChanged(u User) {
	d.mu.Lock()
	if _, ok := d.me.get(); !ok {
		d.mu.Unlock()
		return
	}
	d.cache.Upsert(u)
	d.mu.Unlock()
	d.log.Debug("user updated", "uid", u.UID)
	d.notify()
}

func (d *UserDirectory) clear() {
	d.mu.Lock()
	d.cache.Clear()
	d.mu.Unlock()
}
