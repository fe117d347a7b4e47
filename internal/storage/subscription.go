package storage

import (
	"context"
	"log/slog"
	"sync"
)

// Subscription is a composite handle over any number of change listeners.
// Dispose tears all of them down together; a half-disposed subscription
// cannot exist.
type Subscription struct {
	mu       sync.Mutex
	disposed bool
	stops    []func()
}

// Add registers another disposer. Adding to an already disposed subscription
// runs the disposer immediately.
func (s *Subscription) Add(stop func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		stop()
		return
	}
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
}

// Dispose stops every listener. Safe to call more than once.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Listen subscribes to the change channels of the given record keys and
// invokes onChange with the changed key on every notification. The returned
// stop function is registered on sub, so disposing sub ends the listener.
func (a *Adapter) Listen(ctx context.Context, sub *Subscription, onChange func(key string), keys ...string) {
	channels := make([]string, len(keys))
	for i, k := range keys {
		channels[i] = a.changeChannel(k)
	}

	ps := a.rdb.Subscribe(ctx, channels...)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ch := ps.Channel()
		for msg := range ch {
			onChange(msg.Payload)
		}
	}()

	sub.Add(func() {
		if err := ps.Close(); err != nil {
			slog.Warn("storage: close change listener failed", "error", err)
		}
		<-done
	})
}
