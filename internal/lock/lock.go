// Package lock serialises planning operations per route and per office.
package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker grants exclusive ownership of a key until release is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func RouteKey(routeID uuid.UUID) string { return "route:" + routeID.String() }

// OfficeKey covers every service date of an office, since days draw tasks
// from one pool.
func OfficeKey(officeID uuid.UUID) string { return "office:" + officeID.String() }

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // holds a token while the key is owned
	refs int
}

func NewLocal() *Local { return &Local{slots: map[string]*slot{}} }

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s := l.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
