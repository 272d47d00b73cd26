package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

// listener wraps a pq.Listener on the store's change channel.
type listener struct {
	pq      *pq.Listener
	logger  *logging.Logger
	channel string
	closed  int32 // atomic
	done    chan struct{}
	once    sync.Once
}

func newListener(config *Config, channel string) *listener {
	l := &listener{
		logger:  config.Logger,
		channel: channel,
		done:    make(chan struct{}),
	}
	l.pq = pq.NewListener(
		config.ConnectionString,
		config.ReconnectInterval,
		time.Minute,
		l.eventCallback,
	)
	return l
}

func (l *listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("connection attempt failed", slog.Any("error", err))
	}
}

func (l *listener) loop(ctx context.Context, timeout time.Duration, fn func(key string)) {
	defer l.logger.Debug("notification listener stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n := <-l.pq.Notify:
			// A nil notification follows a reconnect; changes may have been
			// missed, which watchers learn through an empty key.
			if n == nil {
				fn("")
				continue
			}
			fn(n.Extra)
		case <-time.After(timeout):
			go func() {
				if err := l.pq.Ping(); err != nil {
					l.logger.Warn("ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (l *listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.once.Do(func() { close(l.done) })
	return l.pq.Close()
}

// Watch calls fn with the key of every row changed by any process sharing
// the table, until ctx is done or the store is closed. An empty key means
// notifications may have been lost during a reconnect.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrStoreClosed
	}
	l := newListener(s.config, s.channel())
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	if err := l.pq.Listen(s.channel()); err != nil {
		l.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.channel(), err)
	}

	go l.loop(ctx, s.config.NotificationTimeout, fn)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()
	return nil
}
