package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/emngarcia/me-board/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	t.Run("generates new request ID when not provided", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Body.String())
		assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "custom-request-id-123")
		w := serve(router, req)

		assert.Equal(t, "custom-request-id-123", w.Body.String())
		assert.Equal(t, "custom-request-id-123", w.Header().Get(RequestIDHeader))
	})
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"logs successful request", http.StatusOK, "info"},
		{"logs 4xx request as warning", http.StatusBadRequest, "warn"},
		{"logs 5xx request as error", http.StatusInternalServerError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			router := gin.New()
			router.Use(RequestID())
			router.Use(Logger(zap.New(core)))
			router.GET("/test", func(c *gin.Context) {
				c.Status(tt.status)
			})

			serve(router, httptest.NewRequest(http.MethodGet, "/test", nil))

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.level, entry.Level.String())
			assert.Equal(t, "/test", entry.ContextMap()["path"])
			assert.EqualValues(t, tt.status, entry.ContextMap()["status"])
		})
	}
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.Use(Recovery(zap.NewNop()))
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")

	w = serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "404")))
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "journal-app",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	router := gin.New()
	router.Use(AuthMiddleware(secret, zap.NewNop()))
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SubjectKey))
	})

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "Bearer <token>"},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, "Invalid token"},
		{"wrong secret", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), time.Hour), http.StatusUnauthorized, "Invalid token"},
		{"wrong algorithm", "Bearer " + signToken(t, jwt.SigningMethodHS512, secret, time.Hour), http.StatusUnauthorized, "Invalid token"},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, -time.Hour), http.StatusUnauthorized, "Token expired"},
		{"valid", "Bearer " + signToken(t, jwt.SigningMethodHS256, secret, time.Hour), http.StatusOK, "journal-app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(router, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}
