package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	inventory       map[string]domain.InventoryItem
	coupons         map[string]domain.Coupon
	sales           map[string]domain.Sale
	saleOrder       []string
	returns         map[string]domain.Return
	returnOrder     []string
	intents         map[string]domain.CheckoutIntent
	intentsByIdem   map[string]string
	sequences       map[string]int64
	sessions        map[string]domain.Session
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD.
// If unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operator", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		inventory:       make(map[string]domain.InventoryItem),
		coupons:         make(map[string]domain.Coupon),
		sales:           make(map[string]domain.Sale),
		returns:         make(map[string]domain.Return),
		intents:         make(map[string]domain.CheckoutIntent),
		intentsByIdem:   make(map[string]string),
		sequences:       make(map[string]int64),
		sessions:        make(map[string]domain.Session),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, item := range []domain.InventoryItem{
		{ID: "item-apple", Name: "Apple", Qty: 120, PriceCents: 249},
		{ID: "item-milk", Name: "Milk 1L", Qty: 40, PriceCents: 399},
		{ID: "item-bread", Name: "Sourdough Bread", Qty: 25, PriceCents: 549},
		{ID: "item-coffee", Name: "Coffee Beans 500g", Qty: 18, PriceCents: 1299},
		{ID: "item-headphones", Name: "Wireless Headphones", Qty: 6, PriceCents: 5999},
	} {
		item.NameKey = domain.InventoryNameKey(item.Name)
		item.Version = 1
		item.CreatedAt = now
		item.UpdatedAt = now
		s.inventory[item.ID] = item
	}
	return s
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.inventory))
	for _, item := range s.inventory {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return strings.Compare(a.NameKey, b.NameKey)
	})
	return items, nil
}

func (s *Store) GetInventoryItem(_ context.Context, id string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.inventory[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) GetInventoryItems(_ context.Context, ids []string) (map[string]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.InventoryItem, len(ids))
	for _, id := range ids {
		if item, ok := s.inventory[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) FindInventoryByName(_ context.Context, name string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := domain.InventoryNameKey(name)
	for _, item := range s.inventory {
		if item.NameKey == key {
			found := item
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateInventoryItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(item.Name) == "" || item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	if _, exists := s.inventory[item.ID]; exists {
		return nil, store.ErrConflict
	}
	item.NameKey = domain.InventoryNameKey(item.Name)
	for _, existing := range s.inventory {
		if existing.NameKey == item.NameKey {
			return nil, store.ErrConflict
		}
	}
	now := time.Now().UTC()
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	s.inventory[item.ID] = item
	return &item, nil
}

func (s *Store) UpdateInventoryItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.inventory[item.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.Version != item.Version {
		return nil, store.ErrConflict
	}
	if item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	current.Qty = item.Qty
	current.PriceCents = item.PriceCents
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	s.inventory[current.ID] = current
	return &current, nil
}

func (s *Store) ReserveStock(_ context.Context, lines []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := store.MergeAdjustments(lines)
	if len(merged) == 0 {
		return store.ErrInvalidInput
	}
	for _, line := range merged {
		item, ok := s.inventory[line.ItemID]
		if !ok {
			return store.ErrNotFound
		}
		if item.Qty < line.Qty {
			return &store.ShortageError{ItemID: line.ItemID, Requested: line.Qty, Available: item.Qty}
		}
	}
	now := time.Now().UTC()
	for _, line := range merged {
		item := s.inventory[line.ItemID]
		item.Qty -= line.Qty
		item.Version++
		item.UpdatedAt = now
		s.inventory[line.ItemID] = item
	}
	return nil
}

func (s *Store) ReleaseStock(_ context.Context, lines []domain.StockAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range store.MergeAdjustments(lines) {
		item, ok := s.inventory[line.ItemID]
		if !ok {
			continue
		}
		item.Qty += line.Qty
		item.Version++
		item.UpdatedAt = now
		s.inventory[line.ItemID] = item
	}
	return nil
}

func (s *Store) GetCoupon(_ context.Context, code string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupon, ok := s.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &coupon, nil
}

func (s *Store) ListCoupons(_ context.Context) ([]domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupons := make([]domain.Coupon, 0, len(s.coupons))
	for _, coupon := range s.coupons {
		coupons = append(coupons, coupon)
	}
	slices.SortFunc(coupons, func(a, b domain.Coupon) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return coupons, nil
}

func (s *Store) CreateCoupon(_ context.Context, coupon domain.Coupon) (*domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coupon.Code == "" || coupon.ValueCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.coupons[coupon.Code]; exists {
		return nil, store.ErrConflict
	}
	if coupon.SourceReturnBillNo != "" {
		for _, existing := range s.coupons {
			if existing.SourceReturnBillNo == coupon.SourceReturnBillNo {
				return nil, store.ErrConflict
			}
		}
	}
	if coupon.Status == "" {
		coupon.Status = domain.CouponStatusActive
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}
	s.coupons[coupon.Code] = coupon
	return &coupon, nil
}

func (s *Store) FindCouponBySourceReturn(_ context.Context, returnBillNo string) (*domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, coupon := range s.coupons {
		if coupon.SourceReturnBillNo == returnBillNo {
			found := coupon
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ReserveCoupon(_ context.Context, code string, intentID string, now time.Time) (*domain.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, ok := s.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !coupon.Redeemable(now) {
		return nil, store.ErrCouponUnavailable
	}
	coupon.Status = domain.CouponStatusReserved
	coupon.ReservedBy = intentID
	s.coupons[code] = coupon
	return &coupon, nil
}

func (s *Store) ReleaseCoupon(_ context.Context, code string, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, ok := s.coupons[code]
	if !ok {
		return store.ErrNotFound
	}
	if coupon.Status != domain.CouponStatusReserved || coupon.ReservedBy != intentID {
		return nil
	}
	coupon.Status = domain.CouponStatusActive
	coupon.ReservedBy = ""
	s.coupons[code] = coupon
	return nil
}

func (s *Store) ConsumeCoupon(_ context.Context, code string, intentID string, billNo string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupon, ok := s.coupons[code]
	if !ok {
		return store.ErrNotFound
	}
	if coupon.Status == domain.CouponStatusConsumed && coupon.ConsumedByBillNo == billNo {
		return nil
	}
	if coupon.Status != domain.CouponStatusReserved || coupon.ReservedBy != intentID {
		return store.ErrCouponUnavailable
	}
	consumedAt := at
	coupon.Status = domain.CouponStatusConsumed
	coupon.ConsumedByBillNo = billNo
	coupon.ConsumedAt = &consumedAt
	s.coupons[code] = coupon
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.BillNo == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.sales[sale.BillNo]; exists {
		return nil, store.ErrConflict
	}
	sale.Version = 1
	stored := domain.CloneSale(sale)
	s.sales[sale.BillNo] = stored
	s.saleOrder = append(s.saleOrder, sale.BillNo)
	out := domain.CloneSale(stored)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, billNo string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[billNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := domain.CloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, capacity(limit, len(s.saleOrder)))
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, domain.CloneSale(s.sales[s.saleOrder[i]]))
	}
	return result, nil
}

func (s *Store) MarkSaleLinesReturned(_ context.Context, billNo string, indices []int, at time.Time, expectedVersion int64) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[billNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Version != expectedVersion {
		return nil, store.ErrConflict
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(sale.Lines) {
			return nil, store.ErrInvalidInput
		}
	}
	updated := domain.CloneSale(sale)
	updated.MarkReturned(indices, at)
	updated.Version++
	s.sales[billNo] = updated
	out := domain.CloneSale(updated)
	return &out, nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ret.ReturnBillNo == "" || ret.OriginalBillNo == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.returns[ret.ReturnBillNo]; exists {
		return nil, store.ErrConflict
	}
	stored := domain.CloneReturn(ret)
	s.returns[ret.ReturnBillNo] = stored
	s.returnOrder = append(s.returnOrder, ret.ReturnBillNo)
	out := domain.CloneReturn(stored)
	return &out, nil
}

func (s *Store) GetReturn(_ context.Context, returnBillNo string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returns[returnBillNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := domain.CloneReturn(ret)
	return &out, nil
}

func (s *Store) ListReturns(_ context.Context, limit int) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Return, 0, capacity(limit, len(s.returnOrder)))
	for i := len(s.returnOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, domain.CloneReturn(s.returns[s.returnOrder[i]]))
	}
	return result, nil
}

func (s *Store) UpdateReturnMint(_ context.Context, returnBillNo string, mintTxID string, mintStatus string, mintError string) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[returnBillNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.MintStatus == domain.MintStatusMinted {
		return nil, store.ErrConflict
	}
	ret.MintTxID = mintTxID
	ret.MintStatus = mintStatus
	ret.MintError = mintError
	s.returns[returnBillNo] = ret
	out := domain.CloneReturn(ret)
	return &out, nil
}

func (s *Store) CreateIntent(_ context.Context, intent domain.CheckoutIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.ID == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.intents[intent.ID]; exists {
		return store.ErrConflict
	}
	if intent.IdempotencyKey != "" {
		if _, exists := s.intentsByIdem[intent.IdempotencyKey]; exists {
			return store.ErrConflict
		}
		s.intentsByIdem[intent.IdempotencyKey] = intent.ID
	}
	s.intents[intent.ID] = domain.CloneIntent(intent)
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (*domain.CheckoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := domain.CloneIntent(intent)
	return &out, nil
}

func (s *Store) FindIntentByIdempotency(_ context.Context, key string) (*domain.CheckoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.intentsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := domain.CloneIntent(s.intents[id])
	return &out, nil
}

func (s *Store) UpdateIntent(_ context.Context, intent domain.CheckoutIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.intents[intent.ID]
	if !ok {
		return store.ErrNotFound
	}
	intent.IdempotencyKey = current.IdempotencyKey
	intent.CreatedAt = current.CreatedAt
	s.intents[intent.ID] = domain.CloneIntent(intent)
	return nil
}

func (s *Store) ListIntents(_ context.Context, statuses []string, updatedBefore time.Time, limit int) ([]domain.CheckoutIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CheckoutIntent, 0)
	for _, intent := range s.intents {
		if len(statuses) > 0 && !slices.Contains(statuses, intent.Status) {
			continue
		}
		if !updatedBefore.IsZero() && !intent.UpdatedAt.Before(updatedBefore) {
			continue
		}
		result = append(result, domain.CloneIntent(intent))
	}
	slices.SortFunc(result, func(a, b domain.CheckoutIntent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return 0, store.ErrInvalidInput
	}
	s.sequences[name]++
	return s.sequences[name], nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.sessions[session.ID]; exists {
		return store.ErrConflict
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	session.LastActive = at
	s.sessions[id] = session
	return nil
}

func (s *Store) GetDashboard(_ context.Context, now time.Time) (domain.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dash domain.Dashboard
	dash.TotalPurchases = int64(len(s.sales))
	dash.TotalReturns = int64(len(s.returns))
	for _, sale := range s.sales {
		dash.TotalValueCents += sale.TotalCents
	}
	for _, coupon := range s.coupons {
		if coupon.Redeemable(now) {
			dash.ActiveCoupons++
		}
	}
	for _, intent := range s.intents {
		if intent.IsOpen() {
			dash.OpenIntents++
		}
		if intent.Status == domain.IntentStatusOrphaned {
			dash.OrphanedIntents++
		}
	}
	return dash, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, capacity(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func capacity(limit int, size int) int {
	if limit <= 0 || limit > size {
		return size
	}
	return limit
}
