package capitalcall

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeStaleVersion, http.StatusPreconditionFailed},
		{CodeAlreadyLocked, http.StatusLocked},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, toHTTPStatus(&APIError{Code: tt.code}))
			assert.Equal(t, tt.code, CodeFromHTTPStatus(tt.status))
		})
	}

	// 409 はボディが無いと区別できない
	assert.Equal(t, http.StatusConflict, toHTTPStatus(ErrConflict("x")))
	assert.Equal(t, CodeConflict, CodeFromHTTPStatus(http.StatusConflict))
	assert.Equal(t, CodeNetworkFailure, CodeFromHTTPStatus(http.StatusBadGateway))
}
