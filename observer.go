package mimo

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// Observer is told to re-read state after every mutation.
type Observer interface {
	Refresh()
}

type funcObserver struct {
	fn func()
}

func (o *funcObserver) Refresh() { o.fn() }

// NewObserver adapts fn to an Observer. Each call returns a distinct
// observer, so the result can be deregistered.
func NewObserver(fn func()) Observer {
	return &funcObserver{fn: fn}
}

type observers struct {
	mu   sync.Mutex
	list []Observer
	log  *slog.Logger
}

func (o *observers) register(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slices.Contains(o.list, obs) {
		return
	}
	o.list = append(o.list, obs)
}

func (o *observers) deregister(obs Observer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := slices.Index(o.list, obs)
	if i < 0 {
		return errors.Mark(errors.New("observer not registered"), ErrNotFound)
	}
	o.list = slices.Delete(o.list, i, i+1)
	return nil
}

// notifyAll calls every observer synchronously. A panicking observer is
// logged and does not stop the others.
func (o *observers) notifyAll() {
	o.mu.Lock()
	list := slices.Clone(o.list)
	o.mu.Unlock()
	for _, obs := range list {
		o.refresh(obs)
	}
}

func (o *observers) refresh(obs Observer) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("observer panicked", "panic", r)
		}
	}()
	obs.Refresh()
}
