package capitalcall

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"ALE-backend/internal/platform/auth"
	"ALE-backend/internal/platform/logging"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc    *Service
	counts *TabCountAggregator
}

// RegisterRoutes: r は RequireAuth 済みのグループを渡す
func RegisterRoutes(r gin.IRoutes, svc *Service, counts *TabCountAggregator, exportLimiter *rate.Limiter) {
	h := &Handler{svc: svc, counts: counts}

	view := auth.RequireRule(auth.RuleView)

	// 一覧・集計
	r.POST("/capital-call/search", view, h.Search)
	r.GET("/capital-call/counts", view, h.Counts)
	r.POST("/capital-call/export", auth.RequireRule(auth.RuleExport), RateLimit(exportLimiter), h.Export)

	// 単票
	r.POST("/capital-call", auth.RequireRule(auth.RuleEdit), h.Create)
	r.GET("/capital-call/:id", view, h.Get)
	r.PUT("/capital-call/:id", auth.RequireRule(auth.RuleEdit), h.Update)
	r.GET("/capital-call/:id/actions", view, h.Actions)
	r.POST("/capital-call/:id/comments", view, h.AddComment)

	// ロック
	r.GET("/capital-call/:id/lock-status", view, h.LockStatus)
	r.POST("/capital-call/:id/lock", auth.RequireRule(auth.RuleEdit), h.AcquireLock)
	r.DELETE("/capital-call/:id/lock", auth.RequireRule(auth.RuleEdit), h.ReleaseLock)
	r.POST("/capital-call/:id/unlock", auth.RequireRule(auth.RuleUnlockWorkItem), h.ForceUnlock)

	// ワークフロー
	r.POST("/capital-call/:id/submit", auth.RequireRule(auth.RuleSubmit), h.Submit)
	r.POST("/capital-call/:id/approve", auth.RequireRule(auth.RuleApprove), h.Approve)
	r.POST("/capital-call/:id/reject", auth.RequireRule(auth.RuleApprove), h.Reject)
}

// ---------- handlers ----------

// Search godoc
// @Summary  Search capital calls
// @Tags     capital-call
// @Accept   json
// @Produce  json
// @Param    query body SearchQuery true "filters, page, pageSize, sort"
// @Success  200 {object} map[string]any
// @Failure  400 {object} ErrorBody
// @Router   /capital-call/search [post]
func (h *Handler) Search(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var q SearchQuery
	if err := DecodeStrict(c.Request.Body, &q); err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.Search(c.Request.Context(), actor, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Counts godoc
// @Summary  Tab counts per category
// @Tags     capital-call
// @Produce  json
// @Param    queue query string false "queue"
// @Success  200 {object} map[string]int64
// @Router   /capital-call/counts [get]
func (h *Handler) Counts(c *gin.Context) {
	res, err := h.counts.Counts(c.Request.Context(), Queue(c.Query("queue")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Export godoc
// @Summary  Export capital calls as xlsx
// @Tags     capital-call
// @Accept   json
// @Produce  application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param    request body ExportRequest true "filters and sort"
// @Router   /capital-call/export [post]
func (h *Handler) Export(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req ExportRequest
	if err := DecodeStrict(c.Request.Body, &req); err != nil {
		h.fail(c, err)
		return
	}
	var buf bytes.Buffer
	n, err := h.svc.Export(c.Request.Context(), actor, req, &buf)
	if err != nil {
		h.fail(c, err)
		return
	}
	name := fmt.Sprintf("capital-calls-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("X-Total-Rows", strconv.Itoa(n))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (h *Handler) Create(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("invalid json or missing required fields"))
		return
	}
	res, err := h.svc.Create(c.Request.Context(), actor, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/capital-call/"+strconv.FormatInt(res.ID, 10))
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	res, err := h.svc.Get(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Update(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("invalid json or missing required fields"))
		return
	}
	res, err := h.svc.Update(c.Request.Context(), actor, id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Actions(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	acts, err := h.svc.AllowedActions(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if acts == nil {
		acts = []Action{}
	}
	c.JSON(http.StatusOK, ActionsResponse{ItemID: id, Actions: acts})
}

func (h *Handler) AddComment(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("text is required"))
		return
	}
	res, err := h.svc.AddComment(c.Request.Context(), actor, id, req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) LockStatus(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	res, err := h.svc.LockStatus(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) AcquireLock(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	res, err := h.svc.AcquireLock(c.Request.Context(), actor, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ReleaseLock(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	if err := h.svc.ReleaseLock(c.Request.Context(), actor, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ForceUnlock(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	if err := h.svc.ForceUnlock(c.Request.Context(), actor, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Submit(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("version is required"))
		return
	}
	h.respondTransition(c)(h.svc.Submit(c.Request.Context(), actor, id, req.Version))
}

func (h *Handler) Approve(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("version is required"))
		return
	}
	h.respondTransition(c)(h.svc.Approve(c.Request.Context(), actor, id, req.Version))
}

func (h *Handler) Reject(c *gin.Context) {
	actor, id, ok := h.actorAndID(c)
	if !ok {
		return
	}
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrInvalid("version and reason are required"))
		return
	}
	h.respondTransition(c)(h.svc.Reject(c.Request.Context(), actor, id, req.Version, req.Reason))
}

func (h *Handler) respondTransition(c *gin.Context) func(*CapitalCall, error) {
	return func(cc *CapitalCall, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, cc)
	}
}

// ---------- helpers ----------

func (h *Handler) actor(c *gin.Context) (auth.Actor, bool) {
	a, ok := auth.ActorFrom(c)
	if !ok {
		err := &APIError{Code: CodeUnauthenticated, Message: "not authenticated"}
		c.AbortWithStatusJSON(toHTTPStatus(err), errorBody(c, err))
	}
	return a, ok
}

func (h *Handler) actorAndID(c *gin.Context) (auth.Actor, int64, bool) {
	a, ok := h.actor(c)
	if !ok {
		return a, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, ErrInvalid("id must be a positive integer"))
		return a, 0, false
	}
	return a, id, true
}

// fail はエラーを応答に変換する。ドメインエラー以外は中身を返さずログに残す。
func (h *Handler) fail(c *gin.Context, err error) {
	var api *APIError
	if !errors.As(err, &api) {
		logging.FromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "err", err)
		api = ErrInternal("internal error")
	}
	c.AbortWithStatusJSON(toHTTPStatus(api), errorBody(c, api))
}

func errorBody(c *gin.Context, api *APIError) ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Code:          api.Code,
		Message:       api.Message,
		Holder:        api.Holder,
		Since:         api.Since,
		CorrelationID: logging.RequestID(c),
	}}
}

// RateLimit は limiter が許さない要求を 429 で落とす。nil なら素通し。
func RateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody(c, &APIError{Code: CodeRateLimited, Message: "too many export requests"}))
			return
		}
		c.Next()
	}
}
