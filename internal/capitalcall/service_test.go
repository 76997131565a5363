package capitalcall

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ALE-backend/internal/platform/auth"
	"ALE-backend/internal/platform/events"
)

var testNow = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) New() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type recPub struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recPub) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
	return nil
}

func (r *recPub) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *recPub) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	pub := &recPub{}
	svc := NewService(conn, mustEngine(t, StatusRejected),
		WithClock(fixedClock{testNow}),
		WithIDGen(&seqIDs{}),
		WithPublisher(pub),
	)
	return svc, mock, pub
}

var ccCols = []string{
	"id", "ale_batch_id", "client_name", "asset_description", "account_id", "asset_id", "account_type",
	"toe_reference", "day_type", "from_date", "to_date", "total_amount", "currency", "queue", "workflow_status",
	"is_sensitive", "has_alert", "ssi_verified", "fund_document_received", "client_instruction_received",
	"locked_by", "locked_at", "created_by", "created_at", "modified_by", "modified_at", "version",
}

func ccRows(list ...*CapitalCall) *sqlmock.Rows {
	rows := sqlmock.NewRows(ccCols)
	for _, cc := range list {
		var holder, at any
		if cc.LockedBy != nil {
			holder, at = *cc.LockedBy, *cc.LockedAt
		}
		rows.AddRow(
			cc.ID, cc.AleBatchID, cc.ClientName, nil, nil, nil, nil,
			nil, nil, nil, nil, cc.TotalAmount.StringFixed(2), cc.Currency, string(cc.Queue), string(cc.WorkflowStatus),
			cc.IsSensitive, cc.HasAlert, cc.SSIVerified, cc.FundDocumentReceived, cc.ClientInstructionReceived,
			holder, at, cc.CreatedBy, cc.CreatedAt, nil, nil, cc.Version,
		)
	}
	return rows
}

func bdRows(pcts ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "category", "percentage", "calculated_amount"})
	for i, p := range pcts {
		rows.AddRow(int64(i+1), "OTHER", p, "0.00")
	}
	return rows
}

func draftItem(status WorkflowStatus, version int64, holder string) *CapitalCall {
	cc := &CapitalCall{
		ID: 1, AleBatchID: "ALE-000001", ClientName: "Acme", TotalAmount: dec("1000"), Currency: "USD",
		Queue: QueueReview, WorkflowStatus: status, CreatedBy: "olga", CreatedAt: testNow.Add(-time.Hour), Version: version,
	}
	if holder != "" {
		cc.LockedBy, cc.LockedAt = lockedBy(holder)
	}
	return cc
}

var (
	selectForUpdate = regexp.QuoteMeta("FROM capital_calls WHERE id = ? FOR UPDATE")
	selectBreakdown = "FROM capital_call_breakdowns WHERE capital_call_id"
	updateStatus    = `UPDATE capital_calls\s+SET workflow_status`
	insertAudit     = "INSERT INTO capital_call_audit"
	updateLock      = "UPDATE capital_calls SET locked_by"
)

func TestSubmitDraftLockedBySelf(t *testing.T) {
	svc, mock, pub := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 3, "olga")))
	mock.ExpectQuery(selectBreakdown).WithArgs(1).WillReturnRows(bdRows("60.00", "40.00"))
	mock.ExpectExec(updateStatus).
		WithArgs("SUBMITTED", "olga", testNow, 1, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertAudit).
		WithArgs("id-1", 1, "SUBMIT", "olga", "DRAFT", "SUBMITTED", nil, 4, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cc, err := svc.Submit(context.Background(), operator, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, cc.WorkflowStatus)
	assert.Equal(t, int64(4), cc.Version)
	assert.Nil(t, cc.LockedBy)
	require.NoError(t, mock.ExpectationsWereMet())

	evs := pub.events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventTransitioned, evs[0].Type)
	assert.Equal(t, "1", evs[0].Key)
	ch := evs[0].Payload.(Change)
	assert.Equal(t, StatusDraft, ch.Before.Status)
	assert.Equal(t, StatusSubmitted, ch.After.Status)
}

func TestSubmitLockedByOtherDoesNotWrite(t *testing.T) {
	svc, mock, pub := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 3, "bob")))
	mock.ExpectRollback()

	_, err := svc.Submit(context.Background(), operator, 1, 3)
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, CodeAlreadyLocked, api.Code)
	assert.Equal(t, "bob", api.Holder)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.events())
}

func TestSubmitRejectsOverAllocatedStoredBreakdowns(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 1, "")))
	mock.ExpectQuery(selectBreakdown).WithArgs(1).WillReturnRows(bdRows("70.00", "40.00"))
	mock.ExpectRollback()

	_, err := svc.Submit(context.Background(), operator, 1, 1)
	assert.True(t, IsCode(err, CodeInvalidArgument))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveWithStaleVersion(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusSubmitted, 5, "")))
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), approver, 1, 4)
	assert.True(t, IsCode(err, CodeStaleVersion))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveDraftIsInvalidTransition(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 2, "")))
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), approver, 1, 2)
	assert.True(t, IsCode(err, CodeInvalidTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectStoresReason(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusSubmitted, 2, "")))
	mock.ExpectQuery(selectBreakdown).WithArgs(1).WillReturnRows(bdRows("100.00"))
	mock.ExpectExec(updateStatus).
		WithArgs("REJECTED", "arne", testNow, 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertAudit).
		WithArgs("id-1", 1, "REJECT", "arne", "SUBMITTED", "REJECTED", "missing SSI", 3, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cc, err := svc.Reject(context.Background(), approver, 1, 2, "  <b>missing SSI</b> ")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, cc.WorkflowStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectNeedsReason(t *testing.T) {
	svc, mock, _ := newTestService(t)
	_, err := svc.Reject(context.Background(), approver, 1, 2, "<script></script>")
	assert.True(t, IsCode(err, CodeInvalidArgument))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsOverAllocationBeforeStore(t *testing.T) {
	cases := map[string][2]string{
		"over 100": {"60", "50"},
		// 2 桁に丸めると 50.01 + 50.00 になる
		"rounds over 100": {"50.005", "49.995"},
	}
	for name, pcts := range cases {
		t.Run(name, func(t *testing.T) {
			svc, mock, pub := newTestService(t)

			req := validContent()
			req.Breakdowns = []BreakdownInput{
				{Category: CategoryManagementFees, Percentage: dec(pcts[0])},
				{Category: CategoryOther, Percentage: dec(pcts[1])},
			}
			_, err := svc.Create(context.Background(), operator, req)
			assert.True(t, IsCode(err, CodeInvalidArgument))
			require.NoError(t, mock.ExpectationsWereMet())
			assert.Empty(t, pub.events())
		})
	}
}

func TestCreateLocksToCreator(t *testing.T) {
	svc, mock, pub := newTestService(t)

	req := validContent()
	req.Breakdowns = []BreakdownInput{{Category: CategoryOther, Percentage: dec("100")}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO capital_calls").WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("DELETE FROM capital_call_breakdowns").WithArgs(11).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO capital_call_breakdowns").
		WithArgs(11, "OTHER", "100.00", "1000.00").
		WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectExec(insertAudit).
		WithArgs("id-1", 11, "CREATE", "olga", nil, "DRAFT", nil, 1, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cc, err := svc.Create(context.Background(), operator, req)
	require.NoError(t, err)
	assert.Equal(t, int64(11), cc.ID)
	assert.Equal(t, StatusDraft, cc.WorkflowStatus)
	assert.Equal(t, int64(1), cc.Version)
	require.NotNil(t, cc.LockedBy)
	assert.Equal(t, "olga", *cc.LockedBy)
	assert.Equal(t, int64(21), cc.Breakdowns[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.events(), 1)
	assert.Equal(t, EventCreated, pub.events()[0].Type)
}

func TestUpdateDetectsConcurrentWrite(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 2, "olga")))
	mock.ExpectExec(`UPDATE capital_calls SET\s+ale_batch_id`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), operator, 1, UpdateRequest{Version: 2, Content: validContent()})
	assert.True(t, IsCode(err, CodeStaleVersion))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequiresLock(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 2, "")))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), operator, 1, UpdateRequest{Version: 2, Content: validContent()})
	assert.True(t, IsCode(err, CodeNotLockHolder))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestForceUnlockIsAuditedSeparately(t *testing.T) {
	svc, mock, pub := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusSubmitted, 6, "bob")))
	mock.ExpectExec(updateLock).WithArgs(nil, nil, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertAudit).
		WithArgs("id-1", 1, "FORCE_UNLOCK", "root", nil, nil, "previous holder: bob", 6, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.ForceUnlock(context.Background(), admin, 1))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, pub.events(), 1)
	assert.Equal(t, EventForceUnlocked, pub.events()[0].Type)
}

func TestForceUnlockNeedsCapability(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusSubmitted, 6, "bob")))
	mock.ExpectRollback()

	err := svc.ForceUnlock(context.Background(), operator, 1)
	assert.True(t, IsCode(err, CodeForbidden))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock(t *testing.T) {
	t.Run("free item", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 1, "")))
		mock.ExpectExec(updateLock).WithArgs("olga", testNow, 1).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertAudit).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		st, err := svc.AcquireLock(context.Background(), operator, 1)
		require.NoError(t, err)
		assert.Equal(t, KindLockedBySelf, st.State)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already mine", func(t *testing.T) {
		svc, mock, pub := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 1, "olga")))
		mock.ExpectCommit()

		st, err := svc.AcquireLock(context.Background(), operator, 1)
		require.NoError(t, err)
		assert.Equal(t, KindLockedBySelf, st.State)
		require.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, pub.events())
	})

	t.Run("held by someone else", func(t *testing.T) {
		svc, mock, _ := newTestService(t)
		mock.ExpectBegin()
		mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 1, "bob")))
		mock.ExpectRollback()

		_, err := svc.AcquireLock(context.Background(), operator, 1)
		assert.True(t, IsCode(err, CodeAlreadyLocked))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetNotFound(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.ExpectQuery(`FROM capital_calls WHERE id = \?$`).WithArgs(99).WillReturnRows(sqlmock.NewRows(ccCols))

	_, err := svc.LockStatus(context.Background(), operator, 99)
	assert.True(t, IsCode(err, CodeNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchPaging(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(`FROM capital_calls WHERE 1=1 AND workflow_status = \? ORDER BY id ASC LIMIT \? OFFSET \?`).
		WithArgs("DRAFT", 2, 2).
		WillReturnRows(ccRows(draftItem(StatusDraft, 1, ""), draftItem(StatusDraft, 1, "bob")))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM capital_calls WHERE 1=1 AND workflow_status = \?`).
		WithArgs("DRAFT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	page, err := svc.Search(context.Background(), viewer, SearchQuery{
		Filters:  SearchFilters{WorkflowStatus: StatusDraft},
		Page:     1,
		PageSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Len())
	assert.Equal(t, 3, page.TotalPages())
	assert.Equal(t, 1, page.CurrentPage())
	assert.Equal(t, "bob", *page.Items()[1].LockedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchFirstPageOfTwentyFive(t *testing.T) {
	svc, mock, _ := newTestService(t)

	items := make([]*CapitalCall, 10)
	for i := range items {
		items[i] = draftItem(StatusDraft, 1, "")
		items[i].ID = int64(i + 1)
	}
	mock.ExpectQuery(`FROM capital_calls WHERE 1=1 AND workflow_status = \? ORDER BY id ASC LIMIT \? OFFSET \?`).
		WithArgs("DRAFT", 10, 0).
		WillReturnRows(ccRows(items...))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM capital_calls WHERE 1=1 AND workflow_status = \?`).
		WithArgs("DRAFT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))

	page, err := svc.Search(context.Background(), viewer, SearchQuery{
		Filters:  SearchFilters{WorkflowStatus: StatusDraft},
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, page.Len())
	assert.Equal(t, 3, page.TotalPages())
	assert.Equal(t, int64(25), page.TotalElements())
	assert.Equal(t, 0, page.CurrentPage())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchIsRepeatable(t *testing.T) {
	svc, mock, _ := newTestService(t)

	q := SearchQuery{
		Filters:       SearchFilters{WorkflowStatus: StatusDraft},
		SortField:     "clientName",
		SortDirection: SortDesc,
		PageSize:      3,
	}
	rows := func() *sqlmock.Rows {
		a, b, c := draftItem(StatusDraft, 1, ""), draftItem(StatusDraft, 2, "bob"), draftItem(StatusDraft, 1, "")
		a.ID, a.ClientName = 3, "Zeta"
		b.ID, b.ClientName = 1, "Acme"
		c.ID, c.ClientName = 2, "Acme"
		return ccRows(a, b, c)
	}
	for range 2 {
		mock.ExpectQuery(`FROM capital_calls WHERE 1=1 AND workflow_status = \? ORDER BY client_name DESC, id ASC LIMIT \? OFFSET \?`).
			WithArgs("DRAFT", 3, 0).
			WillReturnRows(rows())
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM capital_calls WHERE 1=1 AND workflow_status = \?`).
			WithArgs("DRAFT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	}

	first, err := svc.Search(context.Background(), viewer, q)
	require.NoError(t, err)
	second, err := svc.Search(context.Background(), viewer, q)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Items(), second.Items()); diff != "" {
		t.Errorf("items differ between identical queries (-first +second):\n%s", diff)
	}
	assert.Equal(t, first.TotalElements(), second.TotalElements())
	assert.Equal(t, []int64{3, 1, 2}, []int64{second.Items()[0].ID, second.Items()[1].ID, second.Items()[2].ID})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchNeedsView(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Search(context.Background(), auth.Actor{ID: "nobody"}, SearchQuery{})
	assert.True(t, IsCode(err, CodeForbidden))
}
