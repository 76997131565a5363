package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct{ svc AuthService }

// RegisterRoutes: /login は公開、アカウント管理は MANAGE_ACCOUNTS 必須
func RegisterRoutes(public gin.IRoutes, protected gin.IRoutes, svc AuthService) {
	h := &AuthHandler{svc: svc}
	public.POST("/login", h.Login)
	protected.POST("/accounts", RequireRule(RuleManageAccounts), h.Register)
	protected.DELETE("/accounts/:id", RequireRule(RuleManageAccounts), h.DeleteAccount)
}

type LoginRequest struct {
	ID       string `json:"id" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request")
		return
	}

	token, err := h.svc.Login(c.Request.Context(), req.ID, req.Password)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid id or password")
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL", "login failed")
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token})
}

type RegisterRequest struct {
	ID       string `json:"id" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request")
		return
	}

	role := req.Role
	if role == "" {
		role = RoleOperator
	}

	if err := h.svc.Register(c.Request.Context(), req.ID, req.Password, role); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyExists):
			abort(c, http.StatusConflict, "CONFLICT", "id already exists")
		case errors.Is(err, ErrUnknownRole):
			abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown role")
		default:
			abort(c, http.StatusInternalServerError, "INTERNAL", "register failed")
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "role": role})
}

func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			abort(c, http.StatusNotFound, "NOT_FOUND", "account not found")
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL", "delete failed")
		return
	}
	c.Status(http.StatusNoContent)
}
