package postgres

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// ensureListener starts the notification loop unless it is already running.
func (s *Store) ensureListener(ctx context.Context) error {
	if s.dial == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	l, err := s.dial(ctx)
	if err != nil {
		return unavailable(err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.listening = true
	go s.listen(lctx, l)
	return nil
}

func (s *Store) listen(ctx context.Context, l Listener) {
	defer func() { _ = l.Close(context.Background()) }()
	for {
		n, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("notification listener failed", zap.Error(err))
			s.mu.Lock()
			s.listening = false
			s.mu.Unlock()
			s.hub.Fail(unavailable(err))
			return
		}
		tenant, path, ok := strings.Cut(n.Payload, "|")
		if !ok || tenant != s.tenant {
			continue
		}
		s.hub.Changed(path)
	}
}
