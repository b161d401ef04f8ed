// Package mongodb implements store.Repository on MongoDB. Conditional writes
// carry their precondition in the filter so a single document update is the
// unit of atomicity.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

const (
	colInventory = "inventory"
	colCoupons   = "coupons"
	colReceipts  = "receipts"
	colReturns   = "returns"
	colIntents   = "intents"
	colCounters  = "counters"
	colSessions  = "sessions"
	colUsers     = "users"
	colAudit     = "audit_logs"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

func New(ctx context.Context, uri string, database string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMaxPoolSize(30))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &Store{client: client, db: client.Database(database), logger: logger}, nil
}

// EnsureIndexes creates the unique indexes the conditional writes rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		model      mongo.IndexModel
	}{
		{colInventory, mongo.IndexModel{Keys: bson.D{{Key: "name_key", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{colCoupons, mongo.IndexModel{Keys: bson.D{{Key: "source_return_bill_no", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)}},
		{colIntents, mongo.IndexModel{Keys: bson.D{{Key: "idempotency_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)}},
		{colIntents, mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}}},
		{colReceipts, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{colReturns, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{colAudit, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
	}
	for _, idx := range indexes {
		if _, err := s.db.Collection(idx.collection).Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.collection, err)
		}
	}
	s.logger.Info("mongo indexes ensured", zap.String("database", s.db.Name()))
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func findOne[T any](ctx context.Context, c *mongo.Collection, filter any) (*T, error) {
	var doc T
	if err := c.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func findAll[T any](ctx context.Context, c *mongo.Collection, filter any, opts ...*options.FindOptions) ([]T, error) {
	cur, err := c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := make([]T, 0, 16)
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	return findAll[domain.InventoryItem](ctx, s.col(colInventory), bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

func (s *Store) GetInventoryItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	return findOne[domain.InventoryItem](ctx, s.col(colInventory), bson.M{"_id": id})
}

func (s *Store) GetInventoryItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error) {
	result := make(map[string]domain.InventoryItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	items, err := findAll[domain.InventoryItem](ctx, s.col(colInventory), bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		result[item.ID] = item
	}
	return result, nil
}

func (s *Store) FindInventoryByName(ctx context.Context, name string) (*domain.InventoryItem, error) {
	return findOne[domain.InventoryItem](ctx, s.col(colInventory), bson.M{"name_key": domain.InventoryNameKey(name)})
}

func (s *Store) CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" || item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	now := time.Now().UTC()
	item.NameKey = domain.InventoryNameKey(item.Name)
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now

	if _, err := s.col(colInventory).InsertOne(ctx, item); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	var updated domain.InventoryItem
	err := s.col(colInventory).FindOneAndUpdate(ctx,
		bson.M{"_id": item.ID, "version": item.Version},
		bson.M{
			"$set": bson.M{"qty": item.Qty, "price_cents": item.PriceCents, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"version": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if _, err := s.GetInventoryItem(ctx, item.ID); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

// ReserveStock decrements each line under a qty >= n filter and compensates
// the lines already taken when a later one falls short.
func (s *Store) ReserveStock(ctx context.Context, lines []domain.StockAdjustment) error {
	merged := store.MergeAdjustments(lines)
	if len(merged) == 0 {
		return store.ErrInvalidInput
	}

	taken := make([]domain.StockAdjustment, 0, len(merged))
	for _, line := range merged {
		res, err := s.col(colInventory).UpdateOne(ctx,
			bson.M{"_id": line.ItemID, "qty": bson.M{"$gte": line.Qty}},
			bson.M{
				"$inc": bson.M{"qty": -line.Qty, "version": 1},
				"$set": bson.M{"updated_at": time.Now().UTC()},
			},
		)
		if err == nil && res.ModifiedCount == 1 {
			taken = append(taken, line)
			continue
		}

		s.compensate(ctx, taken)
		if err != nil {
			return err
		}
		item, getErr := s.GetInventoryItem(ctx, line.ItemID)
		if getErr != nil {
			return getErr
		}
		return &store.ShortageError{ItemID: line.ItemID, Requested: line.Qty, Available: item.Qty}
	}
	return nil
}

func (s *Store) compensate(ctx context.Context, taken []domain.StockAdjustment) {
	if len(taken) == 0 {
		return
	}
	if err := s.ReleaseStock(context.WithoutCancel(ctx), taken); err != nil {
		s.logger.Error("stock compensation failed", zap.Any("lines", taken), zap.Error(err))
	}
}

func (s *Store) ReleaseStock(ctx context.Context, lines []domain.StockAdjustment) error {
	for _, line := range store.MergeAdjustments(lines) {
		if _, err := s.col(colInventory).UpdateOne(ctx,
			bson.M{"_id": line.ItemID},
			bson.M{
				"$inc": bson.M{"qty": line.Qty, "version": 1},
				"$set": bson.M{"updated_at": time.Now().UTC()},
			},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	return findOne[domain.Coupon](ctx, s.col(colCoupons), bson.M{"_id": code})
}

func (s *Store) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	return findAll[domain.Coupon](ctx, s.col(colCoupons), bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (s *Store) CreateCoupon(ctx context.Context, coupon domain.Coupon) (*domain.Coupon, error) {
	if coupon.Code == "" || coupon.ValueCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if coupon.Status == "" {
		coupon.Status = domain.CouponStatusActive
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}
	if _, err := s.col(colCoupons).InsertOne(ctx, coupon); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) FindCouponBySourceReturn(ctx context.Context, returnBillNo string) (*domain.Coupon, error) {
	return findOne[domain.Coupon](ctx, s.col(colCoupons), bson.M{"source_return_bill_no": returnBillNo})
}

func (s *Store) ReserveCoupon(ctx context.Context, code string, intentID string, now time.Time) (*domain.Coupon, error) {
	var coupon domain.Coupon
	err := s.col(colCoupons).FindOneAndUpdate(ctx,
		bson.M{"_id": code, "status": domain.CouponStatusActive, "expiry": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"status": domain.CouponStatusReserved, "reserved_by": intentID}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&coupon)
	if err == nil {
		return &coupon, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if _, err := s.GetCoupon(ctx, code); err != nil {
		return nil, err
	}
	return nil, store.ErrCouponUnavailable
}

func (s *Store) ReleaseCoupon(ctx context.Context, code string, intentID string) error {
	res, err := s.col(colCoupons).UpdateOne(ctx,
		bson.M{"_id": code, "status": domain.CouponStatusReserved, "reserved_by": intentID},
		bson.M{
			"$set":   bson.M{"status": domain.CouponStatusActive},
			"$unset": bson.M{"reserved_by": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	_, err = s.GetCoupon(ctx, code)
	return err
}

func (s *Store) ConsumeCoupon(ctx context.Context, code string, intentID string, billNo string, at time.Time) error {
	res, err := s.col(colCoupons).UpdateOne(ctx,
		bson.M{"_id": code, "status": domain.CouponStatusReserved, "reserved_by": intentID},
		bson.M{"$set": bson.M{
			"status":              domain.CouponStatusConsumed,
			"consumed_by_bill_no": billNo,
			"consumed_at":         at,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	coupon, err := s.GetCoupon(ctx, code)
	if err != nil {
		return err
	}
	if coupon.Status == domain.CouponStatusConsumed && coupon.ConsumedByBillNo == billNo {
		return nil
	}
	return store.ErrCouponUnavailable
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.BillNo == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	sale.Version = 1
	if _, err := s.col(colReceipts).InsertOne(ctx, sale); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, billNo string) (*domain.Sale, error) {
	return findOne[domain.Sale](ctx, s.col(colReceipts), bson.M{"_id": billNo})
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = 50
	}
	return findAll[domain.Sale](ctx, s.col(colReceipts), bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(limit)))
}

func (s *Store) MarkSaleLinesReturned(ctx context.Context, billNo string, indices []int, at time.Time, expectedVersion int64) (*domain.Sale, error) {
	sale, err := s.GetSale(ctx, billNo)
	if err != nil {
		return nil, err
	}
	if sale.Version != expectedVersion {
		return nil, store.ErrConflict
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(sale.Lines) {
			return nil, store.ErrInvalidInput
		}
	}
	sale.MarkReturned(indices, at)

	var updated domain.Sale
	err = s.col(colReceipts).FindOneAndUpdate(ctx,
		bson.M{"_id": billNo, "version": expectedVersion},
		bson.M{
			"$set": bson.M{"lines": sale.Lines},
			"$inc": bson.M{"version": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.ReturnBillNo == "" || ret.OriginalBillNo == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.col(colReturns).InsertOne(ctx, ret); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &ret, nil
}

func (s *Store) GetReturn(ctx context.Context, returnBillNo string) (*domain.Return, error) {
	return findOne[domain.Return](ctx, s.col(colReturns), bson.M{"_id": returnBillNo})
}

func (s *Store) ListReturns(ctx context.Context, limit int) ([]domain.Return, error) {
	if limit <= 0 {
		limit = 50
	}
	return findAll[domain.Return](ctx, s.col(colReturns), bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).SetLimit(int64(limit)))
}

func (s *Store) UpdateReturnMint(ctx context.Context, returnBillNo string, mintTxID string, mintStatus string, mintError string) (*domain.Return, error) {
	var ret domain.Return
	err := s.col(colReturns).FindOneAndUpdate(ctx,
		bson.M{"_id": returnBillNo, "mint_status": bson.M{"$ne": domain.MintStatusMinted}},
		bson.M{"$set": bson.M{"mint_tx_id": mintTxID, "mint_status": mintStatus, "mint_error": mintError}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&ret)
	if err == nil {
		return &ret, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if _, err := s.GetReturn(ctx, returnBillNo); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) CreateIntent(ctx context.Context, intent domain.CheckoutIntent) error {
	if intent.ID == "" {
		return store.ErrInvalidInput
	}
	if _, err := s.col(colIntents).InsertOne(ctx, intent); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*domain.CheckoutIntent, error) {
	return findOne[domain.CheckoutIntent](ctx, s.col(colIntents), bson.M{"_id": id})
}

func (s *Store) FindIntentByIdempotency(ctx context.Context, key string) (*domain.CheckoutIntent, error) {
	return findOne[domain.CheckoutIntent](ctx, s.col(colIntents), bson.M{"idempotency_key": key})
}

func (s *Store) UpdateIntent(ctx context.Context, intent domain.CheckoutIntent) error {
	current, err := s.GetIntent(ctx, intent.ID)
	if err != nil {
		return err
	}
	intent.IdempotencyKey = current.IdempotencyKey
	intent.CreatedAt = current.CreatedAt

	res, err := s.col(colIntents).ReplaceOne(ctx, bson.M{"_id": intent.ID}, intent)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListIntents(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]domain.CheckoutIntent, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	if !updatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": updatedBefore}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findAll[domain.CheckoutIntent](ctx, s.col(colIntents), filter, opts)
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, store.ErrInvalidInput
	}
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.col(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if session.ID == "" {
		return store.ErrInvalidInput
	}
	if _, err := s.col(colSessions).InsertOne(ctx, session); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return findOne[domain.Session](ctx, s.col(colSessions), bson.M{"_id": id})
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.col(colSessions).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_active": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetDashboard(ctx context.Context, now time.Time) (domain.Dashboard, error) {
	var (
		dash domain.Dashboard
		err  error
	)
	if dash.TotalPurchases, err = s.col(colReceipts).CountDocuments(ctx, bson.D{}); err != nil {
		return domain.Dashboard{}, err
	}
	if dash.TotalReturns, err = s.col(colReturns).CountDocuments(ctx, bson.D{}); err != nil {
		return domain.Dashboard{}, err
	}
	if dash.ActiveCoupons, err = s.col(colCoupons).CountDocuments(ctx, bson.M{
		"status": domain.CouponStatusActive,
		"expiry": bson.M{"$gt": now},
	}); err != nil {
		return domain.Dashboard{}, err
	}
	if dash.OpenIntents, err = s.col(colIntents).CountDocuments(ctx, bson.M{"status": bson.M{"$in": []string{
		domain.IntentStatusPending, domain.IntentStatusPaid, domain.IntentStatusMinted, domain.IntentStatusOrphaned,
	}}}); err != nil {
		return domain.Dashboard{}, err
	}
	if dash.OrphanedIntents, err = s.col(colIntents).CountDocuments(ctx, bson.M{"status": domain.IntentStatusOrphaned}); err != nil {
		return domain.Dashboard{}, err
	}

	cur, err := s.col(colReceipts).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "total", Value: bson.D{{Key: "$sum", Value: "$total_cents"}}}}}},
	})
	if err != nil {
		return domain.Dashboard{}, err
	}
	defer cur.Close(ctx)
	var sums []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &sums); err != nil {
		return domain.Dashboard{}, err
	}
	if len(sums) > 0 {
		dash.TotalValueCents = sums[0].Total
	}
	return dash, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.col(colAudit).InsertOne(ctx, entry)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return findAll[domain.AuditLog](ctx, s.col(colAudit), bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if _, err := s.col(colUsers).InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return findAll[domain.UserAccount](ctx, s.col(colUsers), bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	res, err := s.col(colUsers).UpdateOne(ctx, bson.M{"_id": username}, bson.M{"$set": bson.M{"password": password}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
