package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperengineering/quire/pkg/protocol"
)

// AlertBus fans queue alerts out to subscribers in subscription order.
// A panicking subscriber is logged and does not affect the others.
type AlertBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn func(protocol.Alert)
}

// NewAlertBus returns an empty bus.
func NewAlertBus() *AlertBus {
	return &AlertBus{}
}

// Subscribe registers fn and returns a function that removes it. Calling
// the returned function more than once is harmless.
func (b *AlertBus) Subscribe(fn func(protocol.Alert)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *AlertBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (b *AlertBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers a to every current subscriber synchronously.
func (b *AlertBus) Publish(a protocol.Alert) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, a)
	}
}

func deliver(fn func(protocol.Alert), a protocol.Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alert subscriber panicked",
				"component", "queue",
				"action", "alert_subscriber_panic",
				"alert_id", a.AlertID,
				"alert_type", string(a.AlertType),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(a)
}

// LogAlerts subscribes a structured logger to bus.
func LogAlerts(bus *AlertBus) (unsubscribe func()) {
	return bus.Subscribe(func(a protocol.Alert) {
		level := slog.LevelWarn
		switch a.Severity {
		case protocol.SeverityInfo:
			level = slog.LevelInfo
		case protocol.SeverityError, protocol.SeverityCritical:
			level = slog.LevelError
		}
		slog.Log(context.Background(), level, a.Message,
			"component", "queue",
			"action", "alert",
			"alert_id", a.AlertID,
			"alert_type", string(a.AlertType),
			"severity", string(a.Severity),
			"user_id", a.UserID,
		)
	})
}
