package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"decision-server/internal/handler"
	"decision-server/internal/metrics"
	"decision-server/internal/mocks"
	"decision-server/internal/service"
	"decision-server/shared/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRouter(t *testing.T, decider handler.Decider) (*gin.Engine, *metrics.Collector) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	collector := metrics.NewCollector(metrics.Options{})
	h := handler.NewHandler(decider, collector, zap.NewNop())
	router := gin.New()
	h.RegisterRoutes(router)
	return router, collector
}

func postDecide(t *testing.T, router *gin.Engine, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/decide", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestDecide_Success(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	decider.On("Decide", mock.Anything, mock.AnythingOfType("*models.GenerationRequest"), time.Duration(0)).
		Return(&service.Outcome{
			Decision: &models.ParsedResponse{Action: "gather", Speaking: "иду за дровами"},
			Result: &models.GenerationResult{
				Mode:     models.ModeStructured,
				Model:    "deepseek/deepseek-chat",
				Attempts: 1,
				Usage:    models.UsageInfo{TotalTokens: 20},
			},
		}, nil).Once()

	router, _ := setupRouter(t, decider)
	w := postDecide(t, router, gin.H{
		"agentId": "agent-1",
		"prompt":  "что делать?",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["requestId"])
	assert.Equal(t, float64(1), resp["attempts"])
	decision := resp["decision"].(map[string]interface{})
	assert.Equal(t, "gather", decision["action"])
	decider.AssertExpectations(t)
}

func TestDecide_MissingPrompt(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	router, _ := setupRouter(t, decider)

	w := postDecide(t, router, gin.H{"agentId": "agent-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecide_ParseErrorReturns422(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	decider.On("Decide", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &models.ParseError{
			Kind:         models.ParseErrUnrecognizedAction,
			RawText:      "ничего не понял",
			ValidActions: []string{"gather", "rest"},
		}).Once()

	router, _ := setupRouter(t, decider)
	w := postDecide(t, router, gin.H{"prompt": "что делать?"})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unrecognized_action", resp["kind"])
	assert.Equal(t, "ничего не понял", resp["rawText"])
	assert.Len(t, resp["validActions"], 2)
}

func TestDecide_ExhaustedRetriesReturns504(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	decider.On("Decide", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, models.ErrExhaustedRetries).Once()

	router, _ := setupRouter(t, decider)
	w := postDecide(t, router, gin.H{"prompt": "что делать?"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestDecide_BackendRejectedReturns502(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	decider.On("Decide", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, models.ErrBackendRejected).Once()

	router, _ := setupRouter(t, decider)
	w := postDecide(t, router, gin.H{"prompt": "что делать?"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	router, collector := setupRouter(t, decider)

	collector.RecordRequest(models.RequestMetric{
		Timestamp: time.Now(),
		Backend:   models.BackendOpenAI,
		Success:   true,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/metrics?window_minutes=10", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var agg models.AggregatedMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	assert.Equal(t, 10, agg.TimeWindowMinutes)
	assert.Equal(t, 1, agg.TotalRequests)
}

func TestMetricsEndpoint_InvalidWindow(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	router, _ := setupRouter(t, decider)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics?window_minutes=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/metrics?window_minutes=-5", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	decider := mocks.NewMockDecider(t)
	router, _ := setupRouter(t, decider)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
