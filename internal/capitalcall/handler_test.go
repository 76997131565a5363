package capitalcall

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"ALE-backend/internal/platform/auth"
	"ALE-backend/internal/platform/logging"
)

// テスト用: ヘッダから主体を詰める（JWT は auth パッケージ側で検証済み）
func fakeAuth(c *gin.Context) {
	if u := c.GetHeader("X-Test-User"); u != "" {
		c.Set(auth.CtxUserIDKey, u)
		c.Set(auth.CtxRoleKey, c.GetHeader("X-Test-Role"))
	}
	c.Next()
}

type testAPI struct {
	router *gin.Engine
	mock   sqlmock.Sqlmock
	src    *fakeSource
}

func newTestAPI(t *testing.T, limiter *rate.Limiter) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, mock, _ := newTestService(t)
	src := &fakeSource{}
	agg := NewTabCountAggregator(src, time.Minute, []Queue{QueueReview}, nil)

	r := gin.New()
	r.Use(logging.Middleware(slog.New(slog.NewTextHandler(io.Discard, nil))), fakeAuth)
	RegisterRoutes(r.Group("/api/v1"), svc, agg, limiter)
	return &testAPI{router: r, mock: mock, src: src}
}

func (a *testAPI) do(method, path, user, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(logging.HeaderRequestID, "req-1")
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestSearchRejectsUnknownFilter(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(http.MethodPost, "/api/v1/capital-call/search", "olga", auth.RoleOperator,
		`{"filters":{"clientName":"acme","colour":"red"}}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, CodeInvalidArgument, e.Code)
	assert.Equal(t, "req-1", e.CorrelationID)
	require.NoError(t, api.mock.ExpectationsWereMet())
}

func TestSearchReturnsPage(t *testing.T) {
	api := newTestAPI(t, nil)

	api.mock.ExpectQuery(`FROM capital_calls WHERE 1=1 ORDER BY id ASC LIMIT \? OFFSET \?`).
		WithArgs(25, 0).
		WillReturnRows(ccRows(draftItem(StatusDraft, 1, "")))
	api.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM capital_calls WHERE 1=1`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	w := api.do(http.MethodPost, "/api/v1/capital-call/search", "vic", auth.RoleViewer, `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page ResultPage[CapitalCall]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Len())
	assert.Equal(t, 1, page.TotalPages())
	assert.Equal(t, "ALE-000001", page.Items()[0].AleBatchID)
}

func TestLockStatusFromViewerPerspective(t *testing.T) {
	api := newTestAPI(t, nil)

	api.mock.ExpectQuery(`FROM capital_calls WHERE id = \?$`).WithArgs(1).
		WillReturnRows(ccRows(draftItem(StatusDraft, 1, "bob")))

	w := api.do(http.MethodGet, "/api/v1/capital-call/1/lock-status", "olga", auth.RoleOperator, "")
	require.Equal(t, http.StatusOK, w.Code)

	var st LockStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, KindLockedByOther, st.State)
	require.NotNil(t, st.Holder)
	assert.Equal(t, "bob", *st.Holder)
}

func TestSubmitLockedByOtherIs423(t *testing.T) {
	api := newTestAPI(t, nil)

	api.mock.ExpectBegin()
	api.mock.ExpectQuery(selectForUpdate).WithArgs(1).WillReturnRows(ccRows(draftItem(StatusDraft, 3, "bob")))
	api.mock.ExpectRollback()

	w := api.do(http.MethodPost, "/api/v1/capital-call/1/submit", "olga", auth.RoleOperator, `{"version":3}`)
	assert.Equal(t, http.StatusLocked, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, CodeAlreadyLocked, e.Code)
	assert.Equal(t, "bob", e.Holder)
	assert.NotNil(t, e.Since)
	require.NoError(t, api.mock.ExpectationsWereMet())
}

func TestApproveNeedsCapability(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(http.MethodPost, "/api/v1/capital-call/1/approve", "olga", auth.RoleOperator, `{"version":3}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeForbidden, decodeError(t, w).Code)
}

func TestMissingActorIsUnauthenticated(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(http.MethodGet, "/api/v1/capital-call/1", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthenticated, decodeError(t, w).Code)

	// ガードを経由しない場合もハンドラ側で 401 にする
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := (&Handler{}).actor(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthenticated, decodeError(t, rec).Code)
}

func TestBadItemID(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(http.MethodGet, "/api/v1/capital-call/abc", "olga", auth.RoleOperator, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidArgument, decodeError(t, w).Code)
}

func TestExportRateLimited(t *testing.T) {
	api := newTestAPI(t, rate.NewLimiter(0, 0))

	w := api.do(http.MethodPost, "/api/v1/capital-call/export", "olga", auth.RoleOperator, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, w).Code)
}

func TestCountsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.src.set([]CountRow{
		{ID: 1, Queue: QueueReview, Status: StatusDraft},
		{ID: 2, Queue: QueueReview, Status: StatusSubmitted, SSIVerified: true},
	})

	w := api.do(http.MethodGet, "/api/v1/capital-call/counts?queue=REVIEW", "vic", auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[Category]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got[CatForReview])
	assert.Equal(t, int64(1), got[CatPendingApproval])

	w = api.do(http.MethodGet, "/api/v1/capital-call/counts?queue=NOPE", "vic", auth.RoleViewer, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
