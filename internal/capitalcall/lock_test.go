package capitalcall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ALE-backend/internal/platform/auth"
)

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	var lm LockManager
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cc := &CapitalCall{ID: 7, WorkflowStatus: StatusDraft}

	changed, err := lm.Acquire(cc, operator, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "olga", *cc.LockedBy)

	changed, err = lm.Acquire(cc, operator, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, t0, *cc.LockedAt, "re-acquire keeps the original timestamp")
}

func TestAcquireConflictReportsHolder(t *testing.T) {
	var lm LockManager
	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cc := &CapitalCall{ID: 7, WorkflowStatus: StatusDraft}
	_, err := lm.Acquire(cc, operator, t0)
	require.NoError(t, err)

	_, err = lm.Acquire(cc, admin, t0.Add(time.Minute))
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, CodeAlreadyLocked, api.Code)
	assert.Equal(t, "olga", api.Holder)
	assert.Equal(t, t0, *api.Since)
	assert.Equal(t, "olga", *cc.LockedBy, "holder unchanged")
}

func TestAcquireRules(t *testing.T) {
	var lm LockManager
	_, err := lm.Acquire(&CapitalCall{WorkflowStatus: StatusDraft}, approver, time.Now())
	assert.True(t, IsCode(err, CodeForbidden))

	_, err = lm.Acquire(&CapitalCall{WorkflowStatus: StatusApproved}, operator, time.Now())
	assert.True(t, IsCode(err, CodeConflict))
}

func TestReleaseOnlyByHolder(t *testing.T) {
	var lm LockManager
	cc := &CapitalCall{WorkflowStatus: StatusDraft}
	cc.LockedBy, cc.LockedAt = lockedBy("olga")

	err := lm.Release(cc, admin)
	assert.True(t, IsCode(err, CodeNotLockHolder))
	require.NotNil(t, cc.LockedBy)

	require.NoError(t, lm.Release(cc, operator))
	assert.Nil(t, cc.LockedBy)
	assert.Nil(t, cc.LockedAt)

	assert.True(t, IsCode(lm.Release(cc, operator), CodeNotLockHolder))
}

func TestForceUnlockKeepsStatus(t *testing.T) {
	var lm LockManager
	cc := &CapitalCall{WorkflowStatus: StatusSubmitted}
	cc.LockedBy, cc.LockedAt = lockedBy("bob")

	_, err := lm.ForceUnlock(cc, operator)
	assert.True(t, IsCode(err, CodeForbidden))

	prev, err := lm.ForceUnlock(cc, admin)
	require.NoError(t, err)
	assert.Equal(t, "bob", *prev)
	assert.Nil(t, cc.LockedBy)
	assert.Nil(t, cc.LockedAt)
	assert.Equal(t, StatusSubmitted, cc.WorkflowStatus)

	prev, err = lm.ForceUnlock(cc, admin)
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestAcquireAfterForceUnlock(t *testing.T) {
	var lm LockManager
	now := time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC)
	bea := auth.NewActor("bea", auth.RoleOperator)
	cc := &CapitalCall{ID: 4, WorkflowStatus: StatusDraft}
	cc.LockedBy, cc.LockedAt = lockedBy("olga")

	_, err := lm.Acquire(cc, bea, now)
	assert.True(t, IsCode(err, CodeAlreadyLocked))

	_, err = lm.ForceUnlock(cc, admin)
	require.NoError(t, err)

	changed, err := lm.Acquire(cc, bea, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "bea", *cc.LockedBy)
	assert.Equal(t, now, *cc.LockedAt)
	assert.Equal(t, LockedBySelf{Since: now}, StateFor(lockInfoOf(cc), "bea"))
}

func TestStateFor(t *testing.T) {
	holder, at := lockedBy("bob")

	assert.Equal(t, Unlocked{}, StateFor(LockInfo{ItemID: 1}, "bob"))
	assert.Equal(t, LockedBySelf{Since: *at}, StateFor(LockInfo{ItemID: 1, Holder: holder, AcquiredAt: at}, "bob"))
	assert.Equal(t, LockedByOther{Holder: "bob", Since: *at}, StateFor(LockInfo{ItemID: 1, Holder: holder, AcquiredAt: at}, "alice"))

	st := NewLockStatus(LockInfo{ItemID: 1, Holder: holder, AcquiredAt: at}, "alice")
	assert.Equal(t, KindLockedByOther, st.State)
}
