package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/metrics"
	"returnshield/backend/internal/service"
	"returnshield/backend/internal/store/memory"
)

const signerAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

type chainStub struct {
	mu           sync.Mutex
	failTransfer bool
	pendingTx    string
	failMint     bool
	transfers    int
	mints        int
}

func (c *chainStub) Address() string { return signerAddress }

func (c *chainStub) Transfer(_ context.Context, _ string, _ *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTransfer {
		return "", errors.New("insufficient funds for gas")
	}
	if c.pendingTx != "" {
		return c.pendingTx, fmt.Errorf("wait for %s: %w", c.pendingTx, context.DeadlineExceeded)
	}
	c.transfers++
	return fmt.Sprintf("0xpay%02d", c.transfers), nil
}

func (c *chainStub) MintReceipt(_ context.Context, _ string, billNo string, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failMint {
		return "", errors.New("execution reverted")
	}
	c.mints++
	return "0xmint-" + billNo, nil
}

func (c *chainStub) MintCoupon(_ context.Context, _ string, code string, _ string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failMint {
		return "", "", errors.New("execution reverted")
	}
	c.mints++
	return "0xcoupon-" + code, fmt.Sprintf("%d", c.mints), nil
}

type uploaderStub struct{}

func (uploaderStub) UploadJSON(_ context.Context, _ any) (string, error) {
	return "ipfs://QmTestHash", nil
}

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
	chain   *chainStub
	auth    *AuthManager
}

// newTestEnv wires a full API over the seeded memory store. A nil chain
// leaves the service without a wallet.
func newTestEnv(t *testing.T, chain *chainStub) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t)
	repo := memory.NewSeeded()
	deps := service.Dependencies{
		Repo:     repo,
		Uploader: uploaderStub{},
		Metrics:  metrics.New(),
		Logger:   logger,
	}
	if chain != nil {
		deps.Wallet = chain
		deps.Minter = chain
	}
	svc := service.New(deps, service.Options{
		UsdPerEth:       decimal.NewFromInt(2000),
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	})
	auth := NewAuthManager(context.Background(), "test-secret-key-that-is-long-enough", time.Hour, repo, repo, logger)
	api := New(svc, auth, deps.Metrics, logger, "*")

	return &testEnv{api: api, handler: api.Handler(), repo: repo, chain: chain, auth: auth}
}

func (e *testEnv) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWithHeader(t, method, path, token, body, "", "")
}

func (e *testEnv) doWithHeader(t *testing.T, method string, path string, token string, body any, header string, value string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username string, password string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	return resp.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
}

func newGinContext(rec *httptest.ResponseRecorder, req *http.Request) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	return c
}
