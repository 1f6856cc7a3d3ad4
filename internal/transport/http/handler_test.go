package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nhlam3011/alonha-sub002/internal/auth"
	"github.com/nhlam3011/alonha-sub002/internal/config"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"github.com/nhlam3011/alonha-sub002/internal/repo"
	"github.com/nhlam3011/alonha-sub002/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "handler-test-secret"

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:wallet_http_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Transaction{}, &model.ServicePackage{}, &model.OutboxEvent{}))

	log := zap.NewNop().Sugar()
	opts, err := service.OptionsFromConfig(config.WalletConfig{})
	require.NoError(t, err)
	svc := service.NewWalletService(repo.NewRepository(db, nil, nil, log), log, opts)
	require.NoError(t, svc.SeedCatalog(context.Background(), []config.PackageSeed{
		{ID: "vip-7d", Name: "VIP 7 days", Price: "150000", DurationDays: 7, Active: true},
		{ID: "vip-legacy", Name: "VIP legacy", Price: "50000", DurationDays: 30, Active: false},
	}))

	verifier, err := auth.NewVerifier(testSecret, "")
	require.NoError(t, err)
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000},
		Auth: config.AuthConfig{
			AllowedRoles: []string{"AGENT", "BUSINESS", "ADMIN"},
			AdminRole:    "ADMIN",
		},
	}
	return &testServer{router: NewRouter(svc, verifier, cfg, log), db: db}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	dec := json.NewDecoder(w.Body)
	dec.UseNumber()
	var out map[string]interface{}
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestWalletFlow(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "AGENT")

	w := s.do(http.MethodGet, "/api/v1/wallet", "", agent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":0,"currency":"VND"}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/wallet/deposit", `{"amount":500000,"method":"qr"}`, agent)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, json.Number("500000"), body["balance"])
	assert.NotEmpty(t, body["transactionId"])

	w = s.do(http.MethodPost, "/api/v1/wallet/purchase", `{"packageId":"vip-7d"}`, agent)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, json.Number("350000"), decode(t, w)["balance"])

	w = s.do(http.MethodGet, "/api/v1/wallet/transactions?page=1&limit=10", "", agent)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, json.Number("2"), body["total"])
	assert.Equal(t, json.Number("1"), body["page"])
	assert.Equal(t, json.Number("10"), body["limit"])
	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, data, 2)
	newest := data[0].(map[string]interface{})
	assert.Equal(t, "VIP_PACKAGE", newest["type"])
	assert.Equal(t, "vip-7d", newest["referenceId"])
	assert.Equal(t, json.Number("150000"), newest["amount"])
	assert.Equal(t, json.Number("350000"), newest["balanceAfter"])

	w = s.do(http.MethodGet, "/api/v1/wallet/transactions?keyword=qr", "", agent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, json.Number("1"), decode(t, w)["total"])
}

func TestDeposit_Rejections(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "AGENT")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"zero", `{"amount":0,"method":"QR"}`, http.StatusBadRequest},
		{"negative", `{"amount":-5,"method":"QR"}`, http.StatusBadRequest},
		{"too large", `{"amount":2000000001,"method":"QR"}`, http.StatusBadRequest},
		{"not a number", `{"amount":"abc","method":"QR"}`, http.StatusBadRequest},
		{"quoted number", `{"amount":"100","method":"QR"}`, http.StatusBadRequest},
		{"huge exponent", `{"amount":1e-3000000,"method":"QR"}`, http.StatusBadRequest},
		{"overlong literal", `{"amount":100.000000000000000000000000000000000,"method":"QR"}`, http.StatusBadRequest},
		{"null", `{"amount":null,"method":"QR"}`, http.StatusBadRequest},
		{"missing method", `{"amount":100}`, http.StatusBadRequest},
		{"unsupported method", `{"amount":100,"method":"CASH"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/v1/wallet/deposit", tc.body, agent)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	w := s.do(http.MethodGet, "/api/v1/wallet", "", agent)
	assert.JSONEq(t, `{"balance":0,"currency":"VND"}`, w.Body.String())
}

func TestAmountLiteral_UnmarshalJSON(t *testing.T) {
	cases := []struct {
		raw  string
		want amountLiteral
		ok   bool
	}{
		{`150000`, "150000", true},
		{`1000.5`, "1000.5", true},
		{`1e3`, "1e3", true},
		{`"150000"`, "", false},
		{`true`, "", false},
		{`{}`, "", false},
		{`123456789012345678901234567890123`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			var a amountLiteral
			err := json.Unmarshal([]byte(tc.raw), &a)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, a)
		})
	}
}

func TestAuthorizationGate(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/wallet/deposit", `{"amount":100,"method":"QR"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/wallet/deposit", `{"amount":100,"method":"QR"}`, token(t, "viewer-1", "VIEWER"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	var n int64
	require.NoError(t, s.db.Model(&model.Wallet{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestPurchase_Errors(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "BUSINESS")

	w := s.do(http.MethodPost, "/api/v1/wallet/purchase", `{"packageId":"vip-7d"}`, agent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"insufficient balance","balance":0,"packagePrice":150000}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/wallet/purchase", `{"packageId":"nope"}`, agent)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/wallet/purchase", `{"packageId":"vip-legacy"}`, agent)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/wallet/purchase", `{}`, agent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransactions_BadPaging(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "AGENT")

	w := s.do(http.MethodGet, "/api/v1/wallet/transactions?page=abc", "", agent)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallet/transactions?limit=1000", "", agent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, json.Number("100"), decode(t, w)["limit"])
}

func TestStorageFailureIsOpaque(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "AGENT")

	require.NoError(t, s.db.Migrator().DropTable(&model.OutboxEvent{}))

	w := s.do(http.MethodPost, "/api/v1/wallet/deposit", `{"amount":100,"method":"QR"}`, agent)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal storage error"}`, w.Body.String())
}

func TestReconcile_AdminOnly(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-1", "AGENT")
	admin := token(t, "admin-1", "ADMIN")

	w := s.do(http.MethodPost, "/api/v1/wallet/deposit", `{"amount":1000.5,"method":"TRANSFER"}`, agent)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/wallets/agent-1/reconcile", "", agent)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/wallets/agent-1/reconcile", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["consistent"])
	assert.Equal(t, json.Number("1000.5"), body["balance"])
	assert.Equal(t, json.Number("1"), body["entries"])

	w = s.do(http.MethodGet, "/api/v1/admin/wallets/ghost/reconcile", "", admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wallet_http_requests_total")
}
