package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTenantErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	TenantErrorResponse(c, http.StatusTooManyRequests, "USAGE_LIMIT_EXCEEDED", "Customer limit reached", map[string]interface{}{
		"limit":   2,
		"code":    "overwritten?",
		"success": true,
	})

	assert.True(t, c.IsAborted())
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "USAGE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.Equal(t, "Customer limit reached", body["message"])
	assert.Equal(t, float64(2), body["limit"])
}

func TestErrorResponses(t *testing.T) {
	cases := []struct {
		name   string
		fn     func(*gin.Context, string)
		status int
	}{
		{"bad request", BadRequestResponse, http.StatusBadRequest},
		{"unauthorized", UnauthorizedResponse, http.StatusUnauthorized},
		{"forbidden", ForbiddenResponse, http.StatusForbidden},
		{"not found", NotFoundResponse, http.StatusNotFound},
		{"unavailable", ServiceUnavailableResponse, http.StatusServiceUnavailable},
		{"too many", TooManyRequestsResponse, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tc.fn(c, "nope")
			assert.Equal(t, tc.status, w.Code)
			assert.JSONEq(t, `{"success":false,"error":"nope"}`, w.Body.String())
		})
	}
}

func TestCreatedResponse(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	CreatedResponse(c, "Customer created", gin.H{"code": "C1"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"success":true,"message":"Customer created","data":{"code":"C1"}}`, w.Body.String())
}
