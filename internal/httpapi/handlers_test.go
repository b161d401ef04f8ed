package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"returnshield/backend/internal/domain"
)

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, &chainStub{})

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestCheckoutCreatesSaleAndReplaysIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	token := env.login(t, "operator", "operator123")

	checkout := func() *httptest.ResponseRecorder {
		req := domain.CheckoutRequest{CartItems: []domain.CartItem{{ItemID: "item-apple", Qty: 1}}}
		return env.doWithHeader(t, http.MethodPost, "/api/v1/checkout", token, req, idempotencyHeader, "checkout-abc")
	}

	first := checkout()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", first.Code, first.Body.String())
	}
	var created domain.CheckoutResponse
	decodeBody(t, first, &created)
	if created.Sale.BillNo != "PUR000001" || created.Sale.TotalCents != 266 {
		t.Fatalf("unexpected sale: %+v", created.Sale)
	}
	if created.Sale.MintTxID != "0xmint-PUR000001" || created.Sale.PaymentTxID == "" {
		t.Fatalf("expected payment and mint tx ids, got %+v", created.Sale)
	}

	second := checkout()
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", second.Code)
	}
	var replay domain.CheckoutResponse
	decodeBody(t, second, &replay)
	if !replay.Duplicate || replay.Sale.BillNo != created.Sale.BillNo {
		t.Fatalf("expected duplicate of %s, got %+v", created.Sale.BillNo, replay)
	}
	if env.chain.transfers != 1 {
		t.Fatalf("expected one payment, got %d", env.chain.transfers)
	}
}

func TestCheckoutErrorStatuses(t *testing.T) {
	apple := domain.CheckoutRequest{CartItems: []domain.CartItem{{ItemID: "item-apple", Qty: 1}}}

	t.Run("insufficient stock", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{})
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
			CartItems: []domain.CartItem{{ItemID: "item-headphones", Qty: 7}},
		})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["item_id"] != "item-headphones" || body["available"] != float64(6) {
			t.Fatalf("expected shortage detail, got %v", body)
		}
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{})
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown coupon", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{})
		token := env.login(t, "operator", "operator123")
		req := apple
		req.CouponCode = "NOPE000000"
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
		}
	})

	t.Run("wallet unavailable", func(t *testing.T) {
		env := newTestEnv(t, nil)
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, apple)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("payment failed", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{failTransfer: true})
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, apple)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d (body: %s)", rec.Code, rec.Body.String())
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["payment_captured"] != false {
			t.Fatalf("expected uncaptured payment, got %v", body)
		}
	})

	t.Run("payment unconfirmed", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{pendingTx: "0xpaywait"})
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, apple)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d (body: %s)", rec.Code, rec.Body.String())
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["payment_captured"] != true || body["payment_tx_id"] != "0xpaywait" || body["intent_id"] == "" {
			t.Fatalf("expected unconfirmed payment detail, got %v", body)
		}
		if env.chain.mints != 0 {
			t.Fatalf("expected no mint while payment is unconfirmed, got %d", env.chain.mints)
		}
	})

	t.Run("mint failed after payment", func(t *testing.T) {
		env := newTestEnv(t, &chainStub{failMint: true})
		token := env.login(t, "operator", "operator123")
		rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, apple)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d (body: %s)", rec.Code, rec.Body.String())
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["payment_captured"] != true || body["intent_id"] == "" || body["payment_tx_id"] != "0xpay01" {
			t.Fatalf("expected recoverable mint failure detail, got %v", body)
		}

		env.chain.failMint = false
		admin := env.login(t, "admin", "admin123")
		resume := env.do(t, http.MethodPost, "/api/v1/intents/"+body["intent_id"].(string)+"/resume", admin, nil)
		if resume.Code != http.StatusOK {
			t.Fatalf("expected resume 200, got %d (body: %s)", resume.Code, resume.Body.String())
		}
		var resumed struct {
			Intent domain.CheckoutIntent `json:"intent"`
		}
		decodeBody(t, resume, &resumed)
		if resumed.Intent.Status != domain.IntentStatusCommitted {
			t.Fatalf("expected committed intent, got %s", resumed.Intent.Status)
		}
	})
}

func TestCartFlowChecksOutSessionCart(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	token := env.login(t, "operator", "operator123")

	rec := env.do(t, http.MethodPost, "/api/v1/cart/items", token, domain.CartAddRequest{ItemID: "item-milk", Qty: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPatch, "/api/v1/cart/items/item-milk", token, domain.CartQtyRequest{Qty: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("update qty: expected 200, got %d", rec.Code)
	}
	var view domain.CartView
	decodeBody(t, rec, &view)
	if len(view.Lines) != 1 || view.Lines[0].Qty != 3 || view.Quote.SubtotalCents != 1197 {
		t.Fatalf("unexpected cart: %+v", view)
	}

	other := env.login(t, "admin", "admin123")
	rec = env.do(t, http.MethodGet, "/api/v1/cart", other, nil)
	decodeBody(t, rec, &view)
	if len(view.Lines) != 0 {
		t.Fatalf("expected carts to be per session, got %+v", view.Lines)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/cart/checkout", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("cart checkout: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/v1/cart", token, nil)
	decodeBody(t, rec, &view)
	if len(view.Lines) != 0 {
		t.Fatalf("expected cart cleared after checkout, got %+v", view.Lines)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/cart/items/item-milk", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 removing absent line, got %d", rec.Code)
	}
}

func TestReturnFlowReissuesCoupon(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	token := env.login(t, "operator", "operator123")

	rec := env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		CartItems: []domain.CartItem{{ItemID: "item-apple", Qty: 1}, {ItemID: "item-bread", Qty: 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/returns", token, domain.ReturnRequest{
		OriginalBillNo: "PUR000001",
		LineIndices:    []int{1},
		Condition:      domain.ConditionGood,
		Restock:        true,
		Coupon:         &domain.ReturnCouponRequest{},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("return: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.ReturnResponse
	decodeBody(t, rec, &resp)
	if resp.Return.ReturnBillNo != "RET000001" || resp.Coupon == nil || resp.Coupon.ValueCents != 549 {
		t.Fatalf("unexpected return response: %+v", resp)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/returns", token, domain.ReturnRequest{
		OriginalBillNo: "PUR000001",
		LineIndices:    []int{1},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for already returned line, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if _, ok := body["fields"]; !ok {
		t.Fatalf("expected field detail, got %v", body)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/returns/RET000001/coupon", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second coupon, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/returns/RET999999", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectOperators(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	token := env.login(t, "operator", "operator123")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/coupons"},
		{http.MethodPost, "/api/v1/inventory"},
		{http.MethodGet, "/api/v1/intents"},
		{http.MethodPost, "/api/v1/reconcile"},
		{http.MethodGet, "/api/v1/audit-logs"},
	} {
		rec := env.do(t, tc.method, tc.path, token, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestAdminInventoryAndCouponMint(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	admin := env.login(t, "admin", "admin123")

	rec := env.do(t, http.MethodPost, "/api/v1/inventory", admin, domain.InventoryUpsertRequest{Name: "apple", Qty: 5, PriceCents: 299})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var upserted struct {
		Item domain.InventoryItem `json:"item"`
	}
	decodeBody(t, rec, &upserted)
	if upserted.Item.ID != "item-apple" || upserted.Item.Qty != 125 {
		t.Fatalf("expected merge into item-apple, got %+v", upserted.Item)
	}

	stale := int64(1)
	rec = env.do(t, http.MethodPatch, "/api/v1/inventory/item-apple", admin, domain.InventoryUpdateRequest{AddQty: 1, PriceCents: 299, ExpectedVersion: &stale})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale version, got %d", rec.Code)
	}

	expiry := time.Now().UTC().AddDate(0, 1, 0).Format(time.DateOnly)
	rec = env.do(t, http.MethodPost, "/api/v1/coupons", admin, domain.CouponMintRequest{
		ValueCents:   1000,
		Expiry:       expiry,
		OwnerAddress: signerAddress,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("mint coupon: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var minted struct {
		Coupon domain.Coupon `json:"coupon"`
	}
	decodeBody(t, rec, &minted)
	if len(minted.Coupon.Code) != 10 || minted.Coupon.Status != domain.CouponStatusActive {
		t.Fatalf("unexpected coupon: %+v", minted.Coupon)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/coupons/"+minted.Coupon.Code, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get coupon: expected 200, got %d", rec.Code)
	}
}

func TestReconcileAndDashboard(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	admin := env.login(t, "admin", "admin123")

	old := time.Now().UTC().Add(-time.Hour)
	if err := env.repo.CreateIntent(context.Background(), domain.CheckoutIntent{
		ID:        "intent-stale",
		Kind:      domain.IntentKindSale,
		BillNo:    "PUR000099",
		Status:    domain.IntentStatusPaid,
		CreatedAt: old,
		UpdatedAt: old,
	}); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/reconcile", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var report domain.ReconcileReport
	decodeBody(t, rec, &report)
	if len(report.Orphaned) != 1 || report.Orphaned[0] != "intent-stale" {
		t.Fatalf("expected orphaned intent, got %+v", report)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/intents?status=orphaned", admin, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "intent-stale") {
		t.Fatalf("expected orphaned intent listing, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/dashboard", admin, nil)
	var dash domain.Dashboard
	decodeBody(t, rec, &dash)
	if dash.OrphanedIntents != 1 {
		t.Fatalf("expected one orphaned intent on dashboard, got %+v", dash)
	}
}

func TestMetricsEndpointExposesWorkflowCounters(t *testing.T) {
	env := newTestEnv(t, &chainStub{})
	token := env.login(t, "operator", "operator123")
	env.do(t, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		CartItems: []domain.CartItem{{ItemID: "item-apple", Qty: 1}},
	})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "returnshield_checkouts_total") {
		t.Fatalf("expected checkout counter in metrics output")
	}
}
