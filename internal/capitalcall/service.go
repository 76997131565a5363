package capitalcall

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mysql "github.com/go-sql-driver/mysql"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"ALE-backend/internal/platform/auth"
	"ALE-backend/internal/platform/db"
	"ALE-backend/internal/platform/events"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	New() (string, error)
}

// ulidGen は単調増加 ULID を払い出す。entropy は共有なので排他する。
type ulidGen struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newULIDGen() *ulidGen {
	return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGen) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ===== イベント =====

const (
	EventCreated       = "capitalcall.created"
	EventUpdated       = "capitalcall.updated"
	EventTransitioned  = "capitalcall.transitioned"
	EventLockChanged   = "capitalcall.lock_changed"
	EventForceUnlocked = "capitalcall.force_unlocked"
)

// Change はイベントの payload。Before/After は件数集計用の射影。
type Change struct {
	ItemID     int64          `json:"itemId"`
	Action     AuditAction    `json:"action"`
	Actor      string         `json:"actor"`
	FromStatus WorkflowStatus `json:"fromStatus,omitempty"`
	ToStatus   WorkflowStatus `json:"toStatus,omitempty"`
	Version    int64          `json:"version"`
	Before     *CountRow      `json:"before,omitempty"`
	After      *CountRow      `json:"after,omitempty"`
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, events.Event) error { return nil }

// ===== Service本体 =====

type Service struct {
	db            *sql.DB
	store         *Store
	engine        *WorkflowEngine
	locks         LockManager
	pub           events.Publisher
	clock         Clock
	id            IDGen
	sanitizer     *bluemonday.Policy
	log           *slog.Logger
	exportMaxRows int
}

type Option func(*Service)

func WithClock(c Clock) Option                { return func(s *Service) { s.clock = c } }
func WithIDGen(g IDGen) Option                { return func(s *Service) { s.id = g } }
func WithLogger(l *slog.Logger) Option        { return func(s *Service) { s.log = l } }
func WithExportMaxRows(n int) Option          { return func(s *Service) { s.exportMaxRows = n } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.pub = p } }

func NewService(conn *sql.DB, engine *WorkflowEngine, opts ...Option) *Service {
	s := &Service{
		db:            conn,
		store:         NewStore(conn),
		engine:        engine,
		pub:           noopPublisher{},
		clock:         realClock{},
		id:            newULIDGen(),
		sanitizer:     bluemonday.StrictPolicy(),
		log:           slog.Default(),
		exportMaxRows: 10000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() *Store { return s.store }

func requireRule(actor auth.Actor, r auth.Rule) error {
	if !actor.Has(r) {
		return ErrForbidden(fmt.Sprintf("%s is required", r))
	}
	return nil
}

// mapDBError は MySQL のエラー番号をドメインエラーに寄せる
func mapDBError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1062: // duplicate key
			return ErrConflict("capital call already exists")
		case 1452: // foreign key constraint fails
			return ErrInvalid("referenced capital call does not exist")
		}
	}
	return err
}

func (s *Service) audit(ctx context.Context, q db.DBTX, cc *CapitalCall, act AuditAction, actor string, from, to WorkflowStatus, reason string) error {
	id, err := s.id.New()
	if err != nil {
		return err
	}
	return s.store.InsertAudit(ctx, q, AuditEntry{
		ID:            id,
		CapitalCallID: cc.ID,
		Action:        act,
		Actor:         actor,
		FromStatus:    from,
		ToStatus:      to,
		Reason:        reason,
		Version:       cc.Version,
		OccurredAt:    s.clock.Now(),
	})
}

// publish はコミット後に呼ぶ。配信失敗は操作の成否に影響させずログに残す。
func (s *Service) publish(ctx context.Context, typ string, ch Change) {
	err := s.pub.Publish(ctx, events.Event{
		Type:    typ,
		Key:     strconv.FormatInt(ch.ItemID, 10),
		At:      s.clock.Now(),
		Payload: ch,
	})
	if err != nil {
		s.log.Warn("publish event failed", "type", typ, "item_id", ch.ItemID, "err", err)
	}
}

func (s *Service) clean(text string, max int, field string) (string, error) {
	t := strings.TrimSpace(s.sanitizer.Sanitize(text))
	if t == "" {
		return "", ErrInvalid(field + " is required")
	}
	if len([]rune(t)) > max {
		return "", ErrInvalid(fmt.Sprintf("%s must be at most %d characters", field, max))
	}
	return t, nil
}

// ===== 検索・参照 =====

func (s *Service) Search(ctx context.Context, actor auth.Actor, q SearchQuery) (ResultPage[CapitalCall], error) {
	if err := requireRule(actor, auth.RuleView); err != nil {
		return ResultPage[CapitalCall]{}, err
	}
	q, err := q.Normalize()
	if err != nil {
		return ResultPage[CapitalCall]{}, err
	}
	items, total, err := s.store.Search(ctx, q.Filters, q.SortField, q.SortDirection, q.PageSize, q.Page*q.PageSize)
	if err != nil {
		return ResultPage[CapitalCall]{}, err
	}
	return NewResultPage(items, q.Page, q.PageSize, total), nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id int64) (*CapitalCallDetails, error) {
	if err := requireRule(actor, auth.RuleView); err != nil {
		return nil, err
	}
	var out *CapitalCallDetails
	err := db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		cc, err := s.store.Get(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if cc.Breakdowns, err = s.store.ListBreakdowns(ctx, tx, id); err != nil {
			return err
		}
		comments, err := s.store.ListComments(ctx, tx, id)
		if err != nil {
			return err
		}
		trail, err := s.store.ListAudit(ctx, tx, id)
		if err != nil {
			return err
		}
		out = &CapitalCallDetails{
			CapitalCall:    *cc,
			Comments:       comments,
			AuditTrail:     trail,
			Lock:           NewLockStatus(lockInfoOf(cc), actor.ID),
			AllowedActions: s.engine.AllowedActions(cc, actor),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) AllowedActions(ctx context.Context, actor auth.Actor, id int64) ([]Action, error) {
	if err := requireRule(actor, auth.RuleView); err != nil {
		return nil, err
	}
	cc, err := s.store.Get(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	return s.engine.AllowedActions(cc, actor), nil
}

// ===== 作成・更新 =====

// Create は DRAFT で作成し、作成者がそのままロックを持つ
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*CapitalCall, error) {
	if err := requireRule(actor, auth.RuleEdit); err != nil {
		return nil, err
	}
	req.normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	holder := actor.ID
	cc := &CapitalCall{WorkflowStatus: StatusDraft, CreatedBy: actor.ID, CreatedAt: now, Version: 1}
	applyContent(cc, req)
	cc.LockedBy, cc.LockedAt = &holder, &now

	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if err := s.store.Insert(ctx, tx, cc); err != nil {
			return mapDBError(err)
		}
		if err := s.store.ReplaceBreakdowns(ctx, tx, cc.ID, cc.Breakdowns); err != nil {
			return err
		}
		return s.audit(ctx, tx, cc, AuditCreate, actor.ID, "", StatusDraft, "")
	})
	if err != nil {
		return nil, err
	}

	after := countRowOf(cc)
	s.publish(ctx, EventCreated, Change{ItemID: cc.ID, Action: AuditCreate, Actor: actor.ID, ToStatus: StatusDraft, Version: cc.Version, After: &after})
	return cc, nil
}

func applyContent(cc *CapitalCall, c Content) {
	cc.AleBatchID = c.AleBatchID
	cc.ClientName = c.ClientName
	cc.AssetDescription = c.AssetDescription
	cc.AccountID = c.AccountID
	cc.AssetID = c.AssetID
	cc.AccountType = c.AccountType
	cc.ToeReference = c.ToeReference
	cc.DayType = c.DayType
	cc.FromDate = c.FromDate
	cc.ToDate = c.ToDate
	cc.TotalAmount = c.TotalAmount
	cc.Currency = c.Currency
	cc.Queue = c.Queue
	cc.IsSensitive = c.IsSensitive
	cc.HasAlert = c.HasAlert
	cc.SSIVerified = c.SSIVerified
	cc.FundDocumentReceived = c.FundDocumentReceived
	cc.ClientInstructionReceived = c.ClientInstructionReceived
	cc.Breakdowns = buildBreakdowns(c.TotalAmount, c.Breakdowns)
}

// Update はロック保持者のみ。承認済みは変更不可。
func (s *Service) Update(ctx context.Context, actor auth.Actor, id int64, req UpdateRequest) (*CapitalCall, error) {
	if err := requireRule(actor, auth.RuleEdit); err != nil {
		return nil, err
	}
	req.normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		cc     *CapitalCall
		before CountRow
	)
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		if cc, err = s.store.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if cc.WorkflowStatus == StatusApproved {
			return ErrConflict("approved capital calls are read-only")
		}
		if err := s.locks.RequireHolder(cc, actor); err != nil {
			return err
		}
		if cc.Version != req.Version {
			return ErrStaleVersion(req.Version, cc.Version)
		}
		before = countRowOf(cc)

		now := s.clock.Now()
		applyContent(cc, req.Content)
		cc.ModifiedBy, cc.ModifiedAt = &actor.ID, &now
		if err := s.store.UpdateContent(ctx, tx, cc, req.Version); err != nil {
			return mapDBError(err)
		}
		cc.Version++
		if err := s.store.ReplaceBreakdowns(ctx, tx, cc.ID, cc.Breakdowns); err != nil {
			return err
		}
		return s.audit(ctx, tx, cc, AuditUpdate, actor.ID, "", "", "")
	})
	if err != nil {
		return nil, err
	}

	after := countRowOf(cc)
	s.publish(ctx, EventUpdated, Change{ItemID: cc.ID, Action: AuditUpdate, Actor: actor.ID, Version: cc.Version, Before: &before, After: &after})
	return cc, nil
}

func (s *Service) AddComment(ctx context.Context, actor auth.Actor, id int64, text string) (*Comment, error) {
	if err := requireRule(actor, auth.RuleView); err != nil {
		return nil, err
	}
	t, err := s.clean(text, maxCommentLen, "text")
	if err != nil {
		return nil, err
	}
	cid, err := s.id.New()
	if err != nil {
		return nil, err
	}
	c := &Comment{ID: cid, Text: t, CreatedBy: actor.ID, CreatedAt: s.clock.Now()}

	err = db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		cc, err := s.store.Get(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if err := s.store.InsertComment(ctx, tx, id, *c); err != nil {
			return mapDBError(err)
		}
		return s.audit(ctx, tx, cc, AuditComment, actor.ID, "", "", c.ID)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ===== ロック =====

func (s *Service) LockStatus(ctx context.Context, actor auth.Actor, id int64) (LockStatus, error) {
	if err := requireRule(actor, auth.RuleView); err != nil {
		return LockStatus{}, err
	}
	cc, err := s.store.Get(ctx, s.db, id, false)
	if err != nil {
		return LockStatus{}, err
	}
	return NewLockStatus(lockInfoOf(cc), actor.ID), nil
}

// AcquireLock は冪等。自分が保持済みなら取得時刻を変えずに返す。
func (s *Service) AcquireLock(ctx context.Context, actor auth.Actor, id int64) (LockStatus, error) {
	var (
		cc      *CapitalCall
		changed bool
	)
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		if cc, err = s.store.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if changed, err = s.locks.Acquire(cc, actor, s.clock.Now()); err != nil || !changed {
			return err
		}
		if err := s.store.SetLock(ctx, tx, id, cc.LockedBy, cc.LockedAt); err != nil {
			return err
		}
		return s.audit(ctx, tx, cc, AuditLock, actor.ID, "", "", "")
	})
	if err != nil {
		return LockStatus{}, err
	}
	if changed {
		s.publish(ctx, EventLockChanged, Change{ItemID: id, Action: AuditLock, Actor: actor.ID, Version: cc.Version})
	}
	return NewLockStatus(lockInfoOf(cc), actor.ID), nil
}

func (s *Service) ReleaseLock(ctx context.Context, actor auth.Actor, id int64) error {
	if err := requireRule(actor, auth.RuleEdit); err != nil {
		return err
	}
	var cc *CapitalCall
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		if cc, err = s.store.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if err := s.locks.Release(cc, actor); err != nil {
			return err
		}
		if err := s.store.SetLock(ctx, tx, id, nil, nil); err != nil {
			return err
		}
		return s.audit(ctx, tx, cc, AuditUnlock, actor.ID, "", "", "")
	})
	if err != nil {
		return err
	}
	s.publish(ctx, EventLockChanged, Change{ItemID: id, Action: AuditUnlock, Actor: actor.ID, Version: cc.Version})
	return nil
}

// ForceUnlock は保持者に関係なくロックを外す。状態は変えない。監査は FORCE_UNLOCK で残す。
func (s *Service) ForceUnlock(ctx context.Context, actor auth.Actor, id int64) error {
	var cc *CapitalCall
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		if cc, err = s.store.Get(ctx, tx, id, true); err != nil {
			return err
		}
		prev, err := s.locks.ForceUnlock(cc, actor)
		if err != nil {
			return err
		}
		if err := s.store.SetLock(ctx, tx, id, nil, nil); err != nil {
			return err
		}
		reason := ""
		if prev != nil {
			reason = "previous holder: " + *prev
		}
		return s.audit(ctx, tx, cc, AuditForceUnlock, actor.ID, "", "", reason)
	})
	if err != nil {
		return err
	}
	s.log.Info("force unlock", "item_id", id, "actor", actor.ID)
	s.publish(ctx, EventForceUnlocked, Change{ItemID: id, Action: AuditForceUnlock, Actor: actor.ID, Version: cc.Version})
	return nil
}

// ===== ワークフロー =====

func (s *Service) Submit(ctx context.Context, actor auth.Actor, id, version int64) (*CapitalCall, error) {
	return s.transition(ctx, actor, id, ActionSubmit, version, "")
}

func (s *Service) Approve(ctx context.Context, actor auth.Actor, id, version int64) (*CapitalCall, error) {
	return s.transition(ctx, actor, id, ActionApprove, version, "")
}

func (s *Service) Reject(ctx context.Context, actor auth.Actor, id, version int64, reason string) (*CapitalCall, error) {
	r, err := s.clean(reason, maxReasonLen, "reason")
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, ActionReject, version, r)
}

// transition: 行ロック → ガード → 状態更新（ロック解除・version+1）→ 監査。全部か無か。
func (s *Service) transition(ctx context.Context, actor auth.Actor, id int64, act Action, version int64, reason string) (*CapitalCall, error) {
	var (
		cc       *CapitalCall
		before   CountRow
		from, to WorkflowStatus
	)
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		if cc, err = s.store.Get(ctx, tx, id, true); err != nil {
			return err
		}
		if to, err = s.engine.Check(cc, actor, act, version); err != nil {
			return err
		}
		if cc.Breakdowns, err = s.store.ListBreakdowns(ctx, tx, id); err != nil {
			return err
		}
		if act == ActionSubmit {
			if err := validateForSubmit(cc); err != nil {
				return err
			}
		}

		from = cc.WorkflowStatus
		before = countRowOf(cc)
		now := s.clock.Now()
		if err := s.store.UpdateStatus(ctx, tx, id, to, actor.ID, now, version); err != nil {
			return err
		}
		cc.WorkflowStatus = to
		cc.Version++
		cc.LockedBy, cc.LockedAt = nil, nil
		cc.ModifiedBy, cc.ModifiedAt = &actor.ID, &now
		return s.audit(ctx, tx, cc, auditActionOf(act), actor.ID, from, to, reason)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("capital call transitioned", "item_id", id, "action", act, "from", from, "to", to, "actor", actor.ID, "version", cc.Version)
	after := countRowOf(cc)
	s.publish(ctx, EventTransitioned, Change{
		ItemID: id, Action: auditActionOf(act), Actor: actor.ID,
		FromStatus: from, ToStatus: to, Version: cc.Version,
		Before: &before, After: &after,
	})
	return cc, nil
}
