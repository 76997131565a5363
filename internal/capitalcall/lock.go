package capitalcall

import (
	"time"

	"ALE-backend/internal/platform/auth"
)

// LockInfo は案件のロック情報。Holder と AcquiredAt は両方 nil か両方非 nil。
type LockInfo struct {
	ItemID     int64      `json:"itemId"`
	Holder     *string    `json:"holder"`
	AcquiredAt *time.Time `json:"acquiredAt"`
}

func lockInfoOf(cc *CapitalCall) LockInfo {
	return LockInfo{ItemID: cc.ID, Holder: cc.LockedBy, AcquiredAt: cc.LockedAt}
}

// LockState は閲覧者から見たロック状態
type LockState interface {
	Kind() LockKind
}

type LockKind string

const (
	KindUnlocked      LockKind = "UNLOCKED"
	KindLockedBySelf  LockKind = "LOCKED_BY_SELF"
	KindLockedByOther LockKind = "LOCKED_BY_OTHER"
)

type Unlocked struct{}

type LockedBySelf struct {
	Since time.Time
}

type LockedByOther struct {
	Holder string
	Since  time.Time
}

func (Unlocked) Kind() LockKind      { return KindUnlocked }
func (LockedBySelf) Kind() LockKind  { return KindLockedBySelf }
func (LockedByOther) Kind() LockKind { return KindLockedByOther }

// StateFor は LockInfo を viewer 視点の LockState に変換する
func StateFor(info LockInfo, viewer string) LockState {
	if info.Holder == nil || info.AcquiredAt == nil {
		return Unlocked{}
	}
	if *info.Holder == viewer {
		return LockedBySelf{Since: *info.AcquiredAt}
	}
	return LockedByOther{Holder: *info.Holder, Since: *info.AcquiredAt}
}

// LockStatus は lock-status API の応答
type LockStatus struct {
	LockInfo
	State LockKind `json:"state"`
}

func NewLockStatus(info LockInfo, viewer string) LockStatus {
	return LockStatus{LockInfo: info, State: StateFor(info, viewer).Kind()}
}

// LockManager は行ロック取得後の CapitalCall に対してロック規則を適用する。
// 永続化は呼び出し側（Service）が同じトランザクション内で行う。
type LockManager struct{}

// Acquire: 未ロックなら holder で取る。holder 自身が保持済みなら何もしない（取得時刻も維持）。
// 戻り値 changed は永続化が必要かどうか。
func (LockManager) Acquire(cc *CapitalCall, actor auth.Actor, now time.Time) (changed bool, err error) {
	if !actor.Has(auth.RuleEdit) {
		return false, ErrForbidden("lock requires EDIT")
	}
	if cc.LockedBy != nil {
		if *cc.LockedBy == actor.ID {
			return false, nil
		}
		return false, ErrAlreadyLocked(*cc.LockedBy, lockedSince(cc))
	}
	if cc.WorkflowStatus == StatusApproved {
		return false, ErrConflict("approved capital calls are read-only")
	}
	holder := actor.ID
	at := now.UTC()
	cc.LockedBy, cc.LockedAt = &holder, &at
	return true, nil
}

// Release は保持者のみ解除できる
func (LockManager) Release(cc *CapitalCall, actor auth.Actor) error {
	if cc.LockedBy == nil || *cc.LockedBy != actor.ID {
		return ErrNotLockHolder(actor.ID)
	}
	cc.LockedBy, cc.LockedAt = nil, nil
	return nil
}

// ForceUnlock は保持者に関係なく解除する（管理者用）。workflowStatus は変えない。
func (LockManager) ForceUnlock(cc *CapitalCall, actor auth.Actor) (previous *string, err error) {
	if !actor.Has(auth.RuleUnlockWorkItem) {
		return nil, ErrForbidden("force unlock requires UNLOCK_WORK_ITEM")
	}
	previous = cc.LockedBy
	cc.LockedBy, cc.LockedAt = nil, nil
	return previous, nil
}

// RequireHolder は編集系の前提チェック
func (LockManager) RequireHolder(cc *CapitalCall, actor auth.Actor) error {
	if cc.LockedBy == nil {
		return ErrNotLockHolder(actor.ID)
	}
	if *cc.LockedBy != actor.ID {
		return ErrAlreadyLocked(*cc.LockedBy, lockedSince(cc))
	}
	return nil
}

func lockedSince(cc *CapitalCall) time.Time {
	if cc.LockedAt == nil {
		return time.Time{}
	}
	return *cc.LockedAt
}
