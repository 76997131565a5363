package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event はドメインイベント。Payload は JSON 化できる値。
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Handler func(ctx context.Context, e Event)

// Bus はプロセス内の同期イベントバス。購読者を登録順に呼び、
// その後 forward 先（Kafka など）へ流す。
type Bus struct {
	mu      sync.RWMutex
	subs    []Handler
	forward []Publisher
	log     *slog.Logger
}

func NewBus(log *slog.Logger, forward ...Publisher) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{forward: forward, log: log}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish は購読者の panic を握りつぶさずログに残して続行し、forward の失敗はまとめて返す。
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]Handler(nil), b.subs...)
	b.mu.RUnlock()

	for _, h := range subs {
		b.dispatch(ctx, h, e)
	}

	var errs []error
	for _, p := range b.forward {
		if err := p.Publish(ctx, e); err != nil {
			b.log.Warn("event forward failed", "type", e.Type, "key", e.Key, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event handler panic", "type", e.Type, "key", e.Key, "panic", p)
		}
	}()
	h(ctx, e)
}
