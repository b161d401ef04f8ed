package domain

import "time"

type InventoryItem struct {
	ID         string    `json:"id" bson:"_id"`
	Name       string    `json:"name" bson:"name"`
	NameKey    string    `json:"-" bson:"name_key"`
	Qty        int       `json:"qty" bson:"qty"`
	PriceCents int64     `json:"price_cents" bson:"price_cents"`
	Version    int64     `json:"version" bson:"version"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

type InventoryUpsertRequest struct {
	Name       string `json:"name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type InventoryUpdateRequest struct {
	AddQty          int    `json:"add_qty"`
	PriceCents      int64  `json:"price_cents"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type StockAdjustment struct {
	ItemID string `json:"item_id" bson:"item_id"`
	Qty    int    `json:"qty" bson:"qty"`
}

type CartItem struct {
	ItemID string `json:"item_id"`
	Qty    int    `json:"qty"`
}

type CartLine struct {
	ItemID         string `json:"item_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

type Quote struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	TaxCents      int64  `json:"tax_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TotalCents    int64  `json:"total_cents"`
	CouponCode    string `json:"coupon_code,omitempty"`
}

type CartView struct {
	Lines      []CartLine `json:"lines"`
	CouponCode string     `json:"coupon_code,omitempty"`
	Quote      Quote      `json:"quote"`
}

type CartAddRequest struct {
	ItemID string `json:"item_id"`
	Qty    int    `json:"qty"`
}

type CartQtyRequest struct {
	Qty int `json:"qty"`
}

type CartCouponRequest struct {
	CouponCode string `json:"coupon_code"`
}

type Coupon struct {
	Code               string     `json:"code" bson:"_id"`
	ValueCents         int64      `json:"value_cents" bson:"value_cents"`
	Expiry             time.Time  `json:"expiry" bson:"expiry"`
	ContractAddress    string     `json:"contract_address" bson:"contract_address"`
	OwnerAddress       string     `json:"owner_address" bson:"owner_address"`
	TokenID            string     `json:"token_id,omitempty" bson:"token_id,omitempty"`
	TokenURI           string     `json:"token_uri" bson:"token_uri"`
	MintTxID           string     `json:"mint_tx_id" bson:"mint_tx_id"`
	Status             string     `json:"status" bson:"status"`
	ReservedBy         string     `json:"-" bson:"reserved_by,omitempty"`
	ConsumedByBillNo   string     `json:"consumed_by_bill_no,omitempty" bson:"consumed_by_bill_no,omitempty"`
	ConsumedAt         *time.Time `json:"consumed_at,omitempty" bson:"consumed_at,omitempty"`
	SourceReturnBillNo string     `json:"source_return_bill_no,omitempty" bson:"source_return_bill_no,omitempty"`
	CreatedBy          string     `json:"created_by" bson:"created_by"`
	CreatedAt          time.Time  `json:"created_at" bson:"created_at"`
	Expired            bool       `json:"expired" bson:"-"`
}

type CouponMintRequest struct {
	ValueCents      int64  `json:"value_cents"`
	Expiry          string `json:"expiry"`
	OwnerAddress    string `json:"owner_address"`
	ContractAddress string `json:"contract_address,omitempty"`
}

type SaleLine struct {
	ItemID         string     `json:"item_id" bson:"item_id"`
	Name           string     `json:"name" bson:"name"`
	UnitPriceCents int64      `json:"unit_price_cents" bson:"unit_price_cents"`
	Qty            int        `json:"qty" bson:"qty"`
	Returned       bool       `json:"returned" bson:"returned"`
	ReturnedAt     *time.Time `json:"returned_at,omitempty" bson:"returned_at,omitempty"`
}

type Sale struct {
	BillNo           string     `json:"bill_no" bson:"_id"`
	Lines            []SaleLine `json:"lines" bson:"lines"`
	SubtotalCents    int64      `json:"subtotal_cents" bson:"subtotal_cents"`
	DiscountCents    int64      `json:"discount_cents" bson:"discount_cents"`
	TaxCents         int64      `json:"tax_cents" bson:"tax_cents"`
	TotalCents       int64      `json:"total_cents" bson:"total_cents"`
	CouponCode       string     `json:"coupon_code,omitempty" bson:"coupon_code,omitempty"`
	PurchaserAddress string     `json:"purchaser_address" bson:"purchaser_address"`
	PaymentTxID      string     `json:"payment_tx_id" bson:"payment_tx_id"`
	MintTxID         string     `json:"mint_tx_id" bson:"mint_tx_id"`
	IntentID         string     `json:"intent_id" bson:"intent_id"`
	CreatedBy        string     `json:"created_by" bson:"created_by"`
	Version          int64      `json:"version" bson:"version"`
	CreatedAt        time.Time  `json:"created_at" bson:"created_at"`
}

type CheckoutRequest struct {
	CartItems        []CartItem `json:"cart_items"`
	CouponCode       string     `json:"coupon_code,omitempty"`
	PurchaserAddress string     `json:"purchaser_address,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key,omitempty"`
}

type CartCheckoutRequest struct {
	PurchaserAddress string `json:"purchaser_address,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type CheckoutResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type ReturnLine struct {
	LineIndex      int    `json:"line_index" bson:"line_index"`
	ItemID         string `json:"item_id" bson:"item_id"`
	Name           string `json:"name" bson:"name"`
	UnitPriceCents int64  `json:"unit_price_cents" bson:"unit_price_cents"`
	Qty            int    `json:"qty" bson:"qty"`
}

type Return struct {
	ReturnBillNo      string       `json:"return_bill_no" bson:"_id"`
	OriginalBillNo    string       `json:"original_bill_no" bson:"original_bill_no"`
	Lines             []ReturnLine `json:"lines" bson:"lines"`
	RefundValueCents  int64        `json:"refund_value_cents" bson:"refund_value_cents"`
	Reason            string       `json:"reason,omitempty" bson:"reason,omitempty"`
	Condition         string       `json:"condition" bson:"condition"`
	Restocked         bool         `json:"restocked" bson:"restocked"`
	OwnerAddress      string       `json:"owner_address" bson:"owner_address"`
	MintTxID          string       `json:"mint_tx_id,omitempty" bson:"mint_tx_id,omitempty"`
	MintStatus        string       `json:"mint_status" bson:"mint_status"`
	MintError         string       `json:"mint_error,omitempty" bson:"mint_error,omitempty"`
	IntentID          string       `json:"intent_id" bson:"intent_id"`
	CreatedBy         string       `json:"created_by" bson:"created_by"`
	OriginalCreatedAt time.Time    `json:"original_created_at" bson:"original_created_at"`
	CreatedAt         time.Time    `json:"created_at" bson:"created_at"`
}

type ReturnCouponRequest struct {
	OwnerAddress string `json:"owner_address"`
}

type ReturnRequest struct {
	OriginalBillNo string               `json:"original_bill_no"`
	LineIndices    []int                `json:"line_indices"`
	Reason         string               `json:"reason,omitempty"`
	Condition      string               `json:"condition,omitempty"`
	Restock        bool                 `json:"restock"`
	Coupon         *ReturnCouponRequest `json:"coupon,omitempty"`
}

type ReturnResponse struct {
	Return      Return  `json:"return"`
	Coupon      *Coupon `json:"coupon,omitempty"`
	CouponError string  `json:"coupon_error,omitempty"`
}

type CheckoutIntent struct {
	ID             string            `json:"id" bson:"_id"`
	Kind           string            `json:"kind" bson:"kind"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	BillNo         string            `json:"bill_no" bson:"bill_no"`
	Status         string            `json:"status" bson:"status"`
	Reservations   []StockAdjustment `json:"reservations,omitempty" bson:"reservations,omitempty"`
	CouponCode     string            `json:"coupon_code,omitempty" bson:"coupon_code,omitempty"`
	Sale           *Sale             `json:"sale,omitempty" bson:"sale,omitempty"`
	Return         *Return           `json:"return,omitempty" bson:"return,omitempty"`
	PaymentTxID    string            `json:"payment_tx_id,omitempty" bson:"payment_tx_id,omitempty"`
	MintTxID       string            `json:"mint_tx_id,omitempty" bson:"mint_tx_id,omitempty"`
	// PaymentPending and MintPending mark a tx that was broadcast but whose
	// receipt was never seen. The tx may still land.
	PaymentPending bool `json:"payment_pending,omitempty" bson:"payment_pending,omitempty"`
	MintPending    bool `json:"mint_pending,omitempty" bson:"mint_pending,omitempty"`
	// LinesMarked is set once a return intent has flagged its sale lines.
	LinesMarked bool      `json:"lines_marked,omitempty" bson:"lines_marked,omitempty"`
	Error       string    `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

type ReconcileReport struct {
	Released []string `json:"released"`
	Orphaned []string `json:"orphaned"`
}

type Session struct {
	ID            string    `json:"id" bson:"_id"`
	Username      string    `json:"username" bson:"username"`
	WalletAddress string    `json:"wallet_address,omitempty" bson:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastActive    time.Time `json:"last_active" bson:"last_active"`
}

type LoginRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username      string
	Role          string
	SessionID     string
	WalletAddress string
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `bson:"_id"`
	Password  string    `bson:"password"`
	Role      string    `bson:"role"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

type Dashboard struct {
	TotalPurchases  int64 `json:"total_purchases"`
	ActiveCoupons   int64 `json:"active_coupons"`
	TotalReturns    int64 `json:"total_returns"`
	TotalValueCents int64 `json:"total_value_cents"`
	OpenIntents     int64 `json:"open_intents"`
	OrphanedIntents int64 `json:"orphaned_intents"`
}

type AuditLog struct {
	ID            string    `json:"id" bson:"_id"`
	ActorUsername string    `json:"actor_username" bson:"actor_username"`
	ActorRole     string    `json:"actor_role" bson:"actor_role"`
	Action        string    `json:"action" bson:"action"`
	EntityType    string    `json:"entity_type" bson:"entity_type"`
	EntityID      string    `json:"entity_id" bson:"entity_id"`
	Detail        string    `json:"detail" bson:"detail"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

const (
	CouponStatusActive   = "active"
	CouponStatusReserved = "reserved"
	CouponStatusConsumed = "consumed"
)

const (
	IntentKindSale   = "sale"
	IntentKindReturn = "return"
)

const (
	IntentStatusPending   = "pending"
	IntentStatusPaid      = "paid"
	IntentStatusMinted    = "minted"
	IntentStatusCommitted = "committed"
	IntentStatusFailed    = "failed"
	IntentStatusOrphaned  = "orphaned"
)

const (
	MintStatusMinted = "minted"
	MintStatusFailed = "failed"
)

const (
	ConditionGood      = "good"
	ConditionDamaged   = "damaged"
	ConditionDefective = "defective"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

const (
	AuditPurchaseTokenCreated = "PURCHASE_TOKEN_CREATED"
	AuditCouponRedeemed       = "COUPON_REDEEMED"
	AuditReturnProcessed      = "RETURN_PROCESSED"
	AuditCouponMinted         = "COUPON_MINTED"
	AuditInventoryUpdated     = "INVENTORY_UPDATED"
	AuditIntentOrphaned       = "INTENT_ORPHANED"
	AuditIntentResumed        = "INTENT_RESUMED"
)
