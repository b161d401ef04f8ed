package main

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"returnshield/backend/internal/config"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresSignerWithRPC(t *testing.T) {
	cfg := config.Config{
		AuthSecret:            "0123456789abcdef0123456789abcdef",
		EthRPCURL:             "http://127.0.0.1:8545",
		CouponContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected missing signer key to be rejected")
	}

	cfg.EthPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	cfg.CouponContractAddress = "not-an-address"
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected invalid contract address to be rejected")
	}

	cfg.CouponContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected chain config to pass, got %v", err)
	}
}

func TestSeedAdminOnlyOnEmptyUserTable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	empty := memory.New()
	if err := seedAdmin(ctx, empty, "short", logger); err != nil {
		t.Fatalf("seed with weak password: %v", err)
	}
	if users, _ := empty.ListUsers(ctx); len(users) != 0 {
		t.Fatalf("expected no admin for weak password, got %d users", len(users))
	}

	if err := seedAdmin(ctx, empty, "strong-admin-pass", logger); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	users, _ := empty.ListUsers(ctx)
	if len(users) != 1 || users[0].Role != domain.RoleAdmin || users[0].Password == "strong-admin-pass" {
		t.Fatalf("expected one hashed admin, got %+v", users)
	}

	if err := seedAdmin(ctx, empty, "another-pass-123", logger); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if users, _ := empty.ListUsers(ctx); len(users) != 1 {
		t.Fatalf("expected seeding to be skipped, got %d users", len(users))
	}
}

type floorRecorder map[string]int64

func (f floorRecorder) EnsureAtLeast(_ context.Context, prefix string, floor int64) error {
	f[prefix] = floor
	return nil
}

type ledgerStub struct {
	sales   []domain.Sale
	returns []domain.Return
}

func (l ledgerStub) ListSales(context.Context, int) ([]domain.Sale, error) { return l.sales, nil }

func (l ledgerStub) ListReturns(context.Context, int) ([]domain.Return, error) {
	return l.returns, nil
}

func TestAlignSequencesUsesNewestBills(t *testing.T) {
	rec := floorRecorder{}
	err := alignSequences(context.Background(), rec, ledgerStub{
		sales:   []domain.Sale{{BillNo: "PUR000042"}},
		returns: []domain.Return{{ReturnBillNo: "RET000007"}},
	})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if rec["PUR"] != 42 || rec["RET"] != 7 {
		t.Fatalf("unexpected floors: %v", rec)
	}

	empty := floorRecorder{}
	if err := alignSequences(context.Background(), empty, ledgerStub{}); err != nil {
		t.Fatalf("align empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no floors for empty ledger, got %v", empty)
	}
}
