package campaign

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	campaignsvc "github.com/relaydesk/dispatch/internal/service/campaign"
	"github.com/relaydesk/dispatch/pkg/logger"
)

func newStatusUpdateRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	h := NewHandler(campaignsvc.NewService(nil, nil, nil, nil, log), log)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func postStatusUpdate(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/status-updates", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// Providers retry on error responses; broken updates are logged and dropped
// behind a 202 instead.
func TestStatusUpdateDropsBrokenJSON(t *testing.T) {
	r := newStatusUpdateRouter(t)

	w := postStatusUpdate(r, `{"provider_message_id": "p-1", "status"`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStatusUpdateDropsMissingFields(t *testing.T) {
	r := newStatusUpdateRouter(t)

	w := postStatusUpdate(r, `{}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStatusUpdateDropsUnknownStatus(t *testing.T) {
	r := newStatusUpdateRouter(t)

	w := postStatusUpdate(r, `{"provider_message_id": "p-1", "status": "warp-speed"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}
