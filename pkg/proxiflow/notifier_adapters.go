package proxiflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChannelNotifierClosed is returned when a channel notifier is used after being closed.
var ErrChannelNotifierClosed = errors.New("proxiflow: channel notifier closed")

// Notification is what a channel notifier delivers after each flush.
type Notification struct {
	DeviceID string
	At       time.Time
}

// NewCallbackNotifier adapts a function into a Notifier so callers can plug
// arbitrary reactions without defining structs.
func NewCallbackNotifier(name string, fn func(ctx context.Context) error) Notifier {
	if name == "" {
		name = "callback"
	}
	return &callbackNotifier{name: name, fn: fn}
}

// NewChannelNotifier exposes flush notifications via a channel; it returns the
// notifier, the read-only channel, and a close function that the caller should
// invoke during shutdown.
func NewChannelNotifier(deviceID string, buffer int) (Notifier, <-chan Notification, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Notification, buffer)
	n := &channelNotifier{
		deviceID: deviceID,
		ch:       ch,
		closed:   make(chan struct{}),
	}
	return n, ch, func() { n.close() }
}

type callbackNotifier struct {
	name string
	fn   func(ctx context.Context) error
}

func (n *callbackNotifier) Notify(ctx context.Context) error {
	if n.fn == nil {
		return fmt.Errorf("callback notifier %q: nil handler", n.name)
	}
	return n.fn(ctx)
}

type channelNotifier struct {
	deviceID string
	ch       chan Notification
	closed   chan struct{}

	mu   sync.RWMutex
	once sync.Once
}

func (n *channelNotifier) Notify(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	select {
	case <-n.closed:
		return ErrChannelNotifierClosed
	default:
	}

	select {
	case <-n.closed:
		return ErrChannelNotifierClosed
	case <-ctx.Done():
		return ctx.Err()
	case n.ch <- Notification{DeviceID: n.deviceID, At: time.Now()}:
		return nil
	}
}

func (n *channelNotifier) close() {
	n.once.Do(func() {
		close(n.closed)
		// wait for in-flight sends before closing the data channel
		n.mu.Lock()
		close(n.ch)
		n.mu.Unlock()
	})
}
