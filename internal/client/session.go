package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"ALE-backend/internal/capitalcall"
)

var (
	// ErrSuperseded: より新しい検索が発行されたため結果を捨てた
	ErrSuperseded = errors.New("search superseded by a newer query")
	// ErrOperationPending: 同じ案件に対する操作がまだ終わっていない
	ErrOperationPending = errors.New("another operation on this item is in flight")
)

// API は Session が使うエンドポイント。*Client が満たす。
type API interface {
	Search(ctx context.Context, q capitalcall.SearchQuery) (capitalcall.ResultPage[capitalcall.CapitalCall], error)
	LockStatus(ctx context.Context, id int64) (capitalcall.LockStatus, error)
	AcquireLock(ctx context.Context, id int64) (capitalcall.LockStatus, error)
	ReleaseLock(ctx context.Context, id int64) error
	ForceUnlock(ctx context.Context, id int64) error
	Submit(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error)
	Approve(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error)
	Reject(ctx context.Context, id, version int64, reason string) (*capitalcall.CapitalCall, error)
}

// Session はオペレーター1人分の状態（検索条件・直近の結果・操作中の案件）を持つ。
// メソッドは並行に呼んでよい。
type Session struct {
	api  API
	user string
	log  *slog.Logger

	mu      sync.Mutex
	state   *capitalcall.SearchQueryState
	page    capitalcall.ResultPage[capitalcall.CapitalCall]
	gen     uint64
	cancel  context.CancelFunc
	pending map[int64]capitalcall.Action
}

func NewSession(api API, user string, pageSize int, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		api:     api,
		user:    user,
		log:     log.With("session_user", user),
		state:   capitalcall.NewSearchQueryState(pageSize),
		pending: map[int64]capitalcall.Action{},
	}
}

func (s *Session) User() string { return s.user }

// ---------- 検索条件 ----------

func (s *Session) SetFilters(f capitalcall.SearchFilters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetFilters(f)
}

func (s *Session) PatchFilters(fn func(*capitalcall.SearchFilters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PatchFilters(fn)
}

func (s *Session) SetPage(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetPage(n)
}

func (s *Session) SetSort(field string, dir capitalcall.SortDirection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetSort(field, dir)
}

func (s *Session) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetPageSize(n)
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Reset()
}

func (s *Session) Query() capitalcall.SearchQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Query()
}

// Page は最後に採用された結果ページ
func (s *Session) Page() capitalcall.ResultPage[capitalcall.CapitalCall] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// ---------- 検索 ----------

// Refresh は現在の条件で検索する。後から発行された検索があれば、こちらの結果は
// 採用せず ErrSuperseded を返す（前の検索の通信はその時点で中断される）。
func (s *Session) Refresh(ctx context.Context) (capitalcall.ResultPage[capitalcall.CapitalCall], error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	q := s.state.Query()
	s.mu.Unlock()

	page, err := s.search(ctx, q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		cancel()
		return capitalcall.ResultPage[capitalcall.CapitalCall]{}, ErrSuperseded
	}
	cancel()
	s.cancel = nil
	if err != nil {
		return capitalcall.ResultPage[capitalcall.CapitalCall]{}, err
	}
	s.state.Observe(page.TotalPages())
	s.page = page
	return page, nil
}

// Abort は進行中の検索を中断する。その結果は採用されない。
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

// search は通信失敗のときだけ1回再試行する
func (s *Session) search(ctx context.Context, q capitalcall.SearchQuery) (capitalcall.ResultPage[capitalcall.CapitalCall], error) {
	page, err := s.api.Search(ctx, q)
	if err == nil || !capitalcall.IsCode(err, capitalcall.CodeNetworkFailure) || ctx.Err() != nil {
		return page, err
	}
	s.log.Warn("search failed, retrying once", "err", err)
	return s.api.Search(ctx, q)
}

// ---------- ロック ----------

func (s *Session) LockState(ctx context.Context, id int64) (capitalcall.LockState, error) {
	st, err := s.api.LockStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return capitalcall.StateFor(st.LockInfo, s.user), nil
}

func (s *Session) AcquireLock(ctx context.Context, id int64) (capitalcall.LockState, error) {
	done, err := s.begin(id, capitalcall.ActionEdit)
	if err != nil {
		return nil, err
	}
	defer done()

	st, err := s.api.AcquireLock(ctx, id)
	if err != nil {
		return nil, err
	}
	return capitalcall.StateFor(st.LockInfo, s.user), nil
}

func (s *Session) ReleaseLock(ctx context.Context, id int64) error {
	done, err := s.begin(id, capitalcall.ActionEdit)
	if err != nil {
		return err
	}
	defer done()
	return s.api.ReleaseLock(ctx, id)
}

func (s *Session) ForceUnlock(ctx context.Context, id int64) error {
	done, err := s.begin(id, capitalcall.ActionForceUnlock)
	if err != nil {
		return err
	}
	defer done()
	return s.api.ForceUnlock(ctx, id)
}

// ---------- ワークフロー ----------
// 更新系は自動で再試行しない。

func (s *Session) Submit(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error) {
	return s.transition(ctx, id, capitalcall.ActionSubmit, func() (*capitalcall.CapitalCall, error) {
		return s.api.Submit(ctx, id, version)
	})
}

func (s *Session) Approve(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error) {
	return s.transition(ctx, id, capitalcall.ActionApprove, func() (*capitalcall.CapitalCall, error) {
		return s.api.Approve(ctx, id, version)
	})
}

func (s *Session) Reject(ctx context.Context, id, version int64, reason string) (*capitalcall.CapitalCall, error) {
	return s.transition(ctx, id, capitalcall.ActionReject, func() (*capitalcall.CapitalCall, error) {
		return s.api.Reject(ctx, id, version, reason)
	})
}

func (s *Session) transition(_ context.Context, id int64, act capitalcall.Action, call func() (*capitalcall.CapitalCall, error)) (*capitalcall.CapitalCall, error) {
	done, err := s.begin(id, act)
	if err != nil {
		return nil, err
	}
	defer done()

	cc, err := call()
	if err != nil {
		s.log.Info("transition failed", "item_id", id, "action", act, "code", capitalcall.CodeOf(err))
		return nil, err
	}
	s.replaceInPage(cc)
	return cc, nil
}

// begin は案件ごとの操作中フラグを立てる。戻り値の関数で下ろす。
func (s *Session) begin(id int64, act capitalcall.Action) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[id]; ok {
		s.log.Debug("operation rejected, item busy", "item_id", id, "action", act, "in_flight", cur)
		return nil, ErrOperationPending
	}
	s.pending[id] = act
	return func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}, nil
}

// replaceInPage は表示中のページにある同じ案件を新しい内容で差し替える
func (s *Session) replaceInPage(cc *capitalcall.CapitalCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.page.Items()
	hit := false
	for i := range items {
		if items[i].ID == cc.ID {
			items[i] = *cc
			hit = true
		}
	}
	if !hit {
		return
	}
	s.page = capitalcall.NewResultPage(items, s.page.CurrentPage(), s.page.PageSize(), s.page.TotalElements())
}
