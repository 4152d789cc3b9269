package hub

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// Session is an in-process remote.Store authenticated as one user.
type Session struct {
	hub     *Hub
	uid     string
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	offline bool
	closed  bool
}

var _ remote.Store = (*Session)(nil)

type sessionSubscription struct {
	session *Session
	sub     *subscription
}

func (s *sessionSubscription) Unsubscribe() {
	s.session.mu.Lock()
	delete(s.session.subs, s.sub)
	s.session.mu.Unlock()
	s.session.hub.unsubscribe(s.sub)
}

// UID returns the user this session is bound to.
func (s *Session) UID() string { return s.uid }

// SetOffline makes every request fail with remote.ErrUnavailable until it
// is called again with false. Subscriptions keep delivering.
func (s *Session) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	if s.offline {
		return errors.Wrapf(remote.ErrUnavailable, "session %s offline", s.uid)
	}
	return nil
}

func (s *Session) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	if err := s.check(); err != nil {
		return remote.Snapshot{}, err
	}
	if err := remote.ValidatePath(path); err != nil {
		return remote.Snapshot{}, err
	}
	return remote.Snapshot{Path: remote.Join(path), Value: s.hub.Read(path)}, nil
}

func (s *Session) Set(ctx context.Context, path string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.hub.Write(ctx, path, value)
}

func (s *Session) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// CompareAndSet is one round of a transaction.
func (s *Session) CompareAndSet(ctx context.Context, path string, expected, next any) (bool, any, error) {
	if err := s.check(); err != nil {
		return false, nil, err
	}
	return s.hub.CompareAndSet(ctx, path, expected, next)
}

func (s *Session) Transaction(ctx context.Context, path string, fn remote.TransformFunc) (remote.TxResult, error) {
	snap, err := s.Get(ctx, path)
	if err != nil {
		return remote.TxResult{}, err
	}
	return remote.RunTransaction(ctx, snap.Path, snap.Value, fn, func(ctx context.Context, expected, next any) (bool, any, error) {
		return s.CompareAndSet(ctx, path, expected, next)
	})
}

func (s *Session) Subscribe(ctx context.Context, path string, kind remote.EventKind, h remote.Handler) (remote.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sub, err := s.hub.subscribe(path, kind, h)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.hub.unsubscribe(sub)
		return nil, remote.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return &sessionSubscription{session: s, sub: sub}, nil
}

func (s *Session) Call(ctx context.Context, function string, args any) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.hub.Call(ctx, s.uid, function, args)
}

// Close drops every subscription opened through the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.hub.unsubscribe(sub)
	}
	return nil
}
