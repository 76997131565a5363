package capitalcall

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"ALE-backend/internal/platform/events"
)

type Category string

const (
	CatSSIVerificationNeeded           Category = "SSI_VERIFICATION_NEEDED"
	CatTransactionToBeProcessed        Category = "TRANSACTION_TO_BE_PROCESSED"
	CatMissingFundDocument             Category = "MISSING_FUND_DOCUMENT"
	CatMissingClientInstruction        Category = "MISSING_CLIENT_INSTRUCTION"
	CatMissingClientAndFundInstruction Category = "MISSING_CLIENT_AND_FUND_INSTRUCTION"
	CatForReview                       Category = "FOR_REVIEW"
	CatPendingApproval                 Category = "PENDING_APPROVAL"
	CatRejectedByApprover              Category = "REJECTED_BY_APPROVER"
	CatException                       Category = "EXCEPTION"
	CatFollowUpRequired                Category = "FOLLOW_UP_REQUIRED"
)

// CountRow は件数集計に使う列だけを持つ
type CountRow struct {
	ID                        int64          `json:"id"`
	Queue                     Queue          `json:"queue"`
	Status                    WorkflowStatus `json:"status"`
	IsSensitive               bool           `json:"isSensitive"`
	HasAlert                  bool           `json:"hasAlert"`
	SSIVerified               bool           `json:"ssiVerified"`
	FundDocumentReceived      bool           `json:"fundDocumentReceived"`
	ClientInstructionReceived bool           `json:"clientInstructionReceived"`
}

func countRowOf(cc *CapitalCall) CountRow {
	return CountRow{
		ID:                        cc.ID,
		Queue:                     cc.Queue,
		Status:                    cc.WorkflowStatus,
		IsSensitive:               cc.IsSensitive,
		HasAlert:                  cc.HasAlert,
		SSIVerified:               cc.SSIVerified,
		FundDocumentReceived:      cc.FundDocumentReceived,
		ClientInstructionReceived: cc.ClientInstructionReceived,
	}
}

type categoryDef struct {
	name  Category
	match func(CountRow) bool
}

var categories = []categoryDef{
	{CatSSIVerificationNeeded, func(r CountRow) bool { return r.Status == StatusSubmitted && !r.SSIVerified }},
	{CatTransactionToBeProcessed, func(r CountRow) bool {
		return r.Status == StatusSubmitted && r.SSIVerified && r.FundDocumentReceived && r.ClientInstructionReceived
	}},
	{CatMissingFundDocument, func(r CountRow) bool { return r.Status == StatusSubmitted && !r.FundDocumentReceived }},
	{CatMissingClientInstruction, func(r CountRow) bool { return r.Status == StatusSubmitted && !r.ClientInstructionReceived }},
	{CatMissingClientAndFundInstruction, func(r CountRow) bool {
		return r.Status == StatusSubmitted && !r.FundDocumentReceived && !r.ClientInstructionReceived
	}},
	{CatForReview, func(r CountRow) bool { return r.Status == StatusDraft }},
	{CatPendingApproval, func(r CountRow) bool { return r.Status == StatusSubmitted }},
	{CatRejectedByApprover, func(r CountRow) bool { return r.Status == StatusRejected }},
	{CatException, func(r CountRow) bool { return r.HasAlert && r.Status != StatusApproved }},
	{CatFollowUpRequired, func(r CountRow) bool { return r.IsSensitive && r.Status != StatusApproved }},
}

func Categories() []Category {
	out := make([]Category, len(categories))
	for i, c := range categories {
		out[i] = c.name
	}
	return out
}

// Categorize は作業集合を各カテゴリの述語で数える。0件のカテゴリも含める。
func Categorize(rows []CountRow) map[Category]int64 {
	out := make(map[Category]int64, len(categories))
	for _, c := range categories {
		out[c.name] = 0
	}
	for _, r := range rows {
		for _, c := range categories {
			if c.match(r) {
				out[c.name]++
			}
		}
	}
	return out
}

// membershipChanged は before→after でいずれかのカテゴリの所属が変わったか
func membershipChanged(before, after *CountRow) bool {
	if before == nil || after == nil {
		return before != after
	}
	if before.Queue != after.Queue {
		return true
	}
	for _, c := range categories {
		if c.match(*before) != c.match(*after) {
			return true
		}
	}
	return false
}

type WorkingSetSource interface {
	WorkingSet(ctx context.Context, queue Queue) ([]CountRow, error)
}

// TabCountAggregator はキューごとのタブ件数をキャッシュし、
// 定期的に、また所属が変わるイベントを受けたときに再計算する。
type TabCountAggregator struct {
	src      WorkingSetSource
	cache    *cache.Cache
	group    singleflight.Group
	interval time.Duration
	queues   []Queue
	log      *slog.Logger
}

func NewTabCountAggregator(src WorkingSetSource, interval time.Duration, queues []Queue, log *slog.Logger) *TabCountAggregator {
	if log == nil {
		log = slog.Default()
	}
	return &TabCountAggregator{
		src: src,
		// ticker が止まっても古い値を返し続けないよう 2 周期で失効させる
		cache:    cache.New(2*interval, 4*interval),
		interval: interval,
		queues:   queues,
		log:      log,
	}
}

func cacheKey(q Queue) string {
	if q == "" {
		return "queue:*"
	}
	return "queue:" + string(q)
}

// Counts はキャッシュがあればそれを、無ければ再計算して返す
func (a *TabCountAggregator) Counts(ctx context.Context, queue Queue) (map[Category]int64, error) {
	if queue != "" && !queue.Valid() {
		return nil, ErrInvalid("unknown queue " + string(queue))
	}
	if v, ok := a.cache.Get(cacheKey(queue)); ok {
		return copyCounts(v.(map[Category]int64)), nil
	}
	return a.Refresh(ctx, queue)
}

// Refresh は作業集合を読み直して再計算する。同一キューの同時要求は1回にまとめる。
func (a *TabCountAggregator) Refresh(ctx context.Context, queue Queue) (map[Category]int64, error) {
	key := cacheKey(queue)
	v, err, _ := a.group.Do(key, func() (any, error) {
		rows, err := a.src.WorkingSet(ctx, queue)
		if err != nil {
			return nil, err
		}
		counts := Categorize(rows)
		a.cache.SetDefault(key, counts)
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	return copyCounts(v.(map[Category]int64)), nil
}

func copyCounts(m map[Category]int64) map[Category]int64 {
	out := make(map[Category]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Run は ctx が終わるまで interval ごとに設定済みキュー（と全体）を再計算する
func (a *TabCountAggregator) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()

	a.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.refreshAll(ctx)
		}
	}
}

func (a *TabCountAggregator) refreshAll(ctx context.Context) {
	for _, q := range append([]Queue{""}, a.queues...) {
		if _, err := a.Refresh(ctx, q); err != nil && ctx.Err() == nil {
			a.log.Warn("tab count refresh failed", "queue", q, "err", err)
		}
	}
}

// HandleEvent は events.Bus の購読者。所属が変わったキューだけ無効化して裏で再計算する。
func (a *TabCountAggregator) HandleEvent(ctx context.Context, e events.Event) {
	ch, ok := changeOf(e)
	if !ok || !membershipChanged(ch.Before, ch.After) {
		return
	}
	affected := map[Queue]struct{}{"": {}}
	if ch.Before != nil {
		affected[ch.Before.Queue] = struct{}{}
	}
	if ch.After != nil {
		affected[ch.After.Queue] = struct{}{}
	}
	bg := context.WithoutCancel(ctx)
	for q := range affected {
		a.cache.Delete(cacheKey(q))
		// 進行中の再計算はコミット前の値を読んでいる可能性があるので合流させない
		a.group.Forget(cacheKey(q))
		go func(q Queue) {
			if _, err := a.Refresh(bg, q); err != nil {
				a.log.Warn("tab count refresh after event failed", "queue", q, "err", err)
			}
		}(q)
	}
}

func changeOf(e events.Event) (Change, bool) {
	switch p := e.Payload.(type) {
	case Change:
		return p, true
	case *Change:
		if p == nil {
			return Change{}, false
		}
		return *p, true
	case json.RawMessage:
		var c Change
		return c, json.Unmarshal(p, &c) == nil
	}
	return Change{}, false
}
