package client

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"ALE-backend/internal/capitalcall"
)

const DefaultPollInterval = 30 * time.Second

// CountsFetcher は *Client が満たす
type CountsFetcher interface {
	Counts(ctx context.Context, queue capitalcall.Queue) (map[capitalcall.Category]int64, error)
}

// CountPoller はタブ件数を一定間隔で取り直し、最新値を保持する
type CountPoller struct {
	api      CountsFetcher
	queue    capitalcall.Queue
	interval time.Duration
	log      *slog.Logger
	onUpdate func(map[capitalcall.Category]int64)

	mu        sync.RWMutex
	counts    map[capitalcall.Category]int64
	updatedAt time.Time
	lastErr   error
}

func NewCountPoller(api CountsFetcher, queue capitalcall.Queue, interval time.Duration, log *slog.Logger) *CountPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &CountPoller{api: api, queue: queue, interval: interval, log: log}
}

// OnUpdate は取得成功ごとに呼ばれる関数を登録する。Run の前に呼ぶこと。
func (p *CountPoller) OnUpdate(fn func(map[capitalcall.Category]int64)) { p.onUpdate = fn }

// Poll は1回取得する。失敗しても前回の値は残す。
func (p *CountPoller) Poll(ctx context.Context) error {
	counts, err := p.api.Counts(ctx, p.queue)

	p.mu.Lock()
	p.lastErr = err
	if err == nil {
		p.counts = counts
		p.updatedAt = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("poll tab counts failed", "queue", p.queue, "err", err)
		return err
	}
	if p.onUpdate != nil {
		p.onUpdate(maps.Clone(counts))
	}
	return nil
}

// Run は ctx が終わるまで interval ごとに Poll する。開始時に1回取る。
func (p *CountPoller) Run(ctx context.Context) error {
	_ = p.Poll(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = p.Poll(ctx)
		}
	}
}

// Latest は最後に取得できた件数と取得時刻、直近の失敗を返す
func (p *CountPoller) Latest() (map[capitalcall.Category]int64, time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.counts), p.updatedAt, p.lastErr
}
