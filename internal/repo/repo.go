package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nhlam3011/alonha-sub002/internal/metrics"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned when wallet balance is not enough.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrVersionConflict means the wallet row changed between read and write.
	ErrVersionConflict = errors.New("wallet version conflict")
)

const balanceCacheTTL = 5 * time.Minute

// ListOptions pages through a wallet's ledger.
type ListOptions struct {
	Offset  int
	Limit   int
	Keyword string
}

// RepositoryInterface restricts Repo methods so the service can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetOrCreateWallet(ctx context.Context, tx *gorm.DB, userID, currency string) (*model.Wallet, error)
	GetWalletByUserID(ctx context.Context, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	CreditWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, amt decimal.Decimal) (*model.Wallet, error)
	DebitWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, amt decimal.Decimal) (*model.Wallet, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	ListTransactions(ctx context.Context, walletID uint64, opts ListOptions) ([]model.Transaction, int64, error)
	AllTransactions(ctx context.Context, tx *gorm.DB, walletID uint64) ([]model.Transaction, error)
	GetPackage(ctx context.Context, tx *gorm.DB, packageID string) (*model.ServicePackage, error)
	UpsertPackages(ctx context.Context, pkgs []model.ServicePackage) error
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, w *model.Wallet) error
	GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil: caching and
// publishing are then disabled.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

func (r *Repository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// GetOrCreateWallet returns the user's wallet, inserting an empty one first if
// needed. The insert is ON CONFLICT DO NOTHING on the unique user_id, so two
// racing first accesses both end up reading the single row.
func (r *Repository) GetOrCreateWallet(ctx context.Context, tx *gorm.DB, userID, currency string) (*model.Wallet, error) {
	db := r.conn(tx).WithContext(ctx)

	var w model.Wallet
	err := db.Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := &model.Wallet{UserID: userID, Balance: decimal.Zero, Currency: currency}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(fresh)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		metrics.RecordWalletCreated()
		if r.log != nil {
			r.log.Infow("wallet created", "user_id", userID, "currency", currency)
		}
	}

	// Current read inside a transaction; under REPEATABLE READ a plain SELECT
	// keeps the first lookup's snapshot and misses a racing insert.
	refetch := db
	if tx != nil {
		refetch = refetch.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := refetch.Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletByUserID reads without locking.
func (r *Repository) GetWalletByUserID(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreditWallet adds amt with a compare-and-swap on version.
func (r *Repository) CreditWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, amt decimal.Decimal) (*model.Wallet, error) {
	newBal := w.Balance.Add(amt)
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBal,
			"version":    w.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrVersionConflict
	}
	return advanced(w, newBal), nil
}

// DebitWallet is the conditional decrement: the row only changes while it
// still holds the version we read and at least amt.
func (r *Repository) DebitWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, amt decimal.Decimal) (*model.Wallet, error) {
	if w.Balance.LessThan(amt) {
		return nil, ErrInsufficientFunds
	}
	newBal := w.Balance.Sub(amt)
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ? AND balance >= ?", w.ID, w.Version, amt).
		Updates(map[string]interface{}{
			"balance":    newBal,
			"version":    w.Version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var current model.Wallet
		if err := tx.WithContext(ctx).Where("id = ?", w.ID).First(&current).Error; err != nil {
			return nil, err
		}
		if current.Balance.LessThan(amt) {
			return nil, ErrInsufficientFunds
		}
		return nil, ErrVersionConflict
	}
	return advanced(w, newBal), nil
}

func advanced(w *model.Wallet, bal decimal.Decimal) *model.Wallet {
	next := *w
	next.Balance = bal
	next.Version = w.Version + 1
	return &next
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// ListTransactions returns one page, newest first, and the total match count.
// wallet_version follows creation order and, unlike created_at, never ties.
func (r *Repository) ListTransactions(ctx context.Context, walletID uint64, opts ListOptions) ([]model.Transaction, int64, error) {
	scoped := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("wallet_id = ?", walletID)
		if kw := strings.TrimSpace(opts.Keyword); kw != "" {
			q = q.Where("LOWER(description) LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(kw))+"%")
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	txs := make([]model.Transaction, 0, opts.Limit)
	err := scoped().
		Order("wallet_version DESC").
		Offset(opts.Offset).
		Limit(opts.Limit).
		Find(&txs).Error
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// AllTransactions returns the full ledger of a wallet in creation order.
func (r *Repository) AllTransactions(ctx context.Context, tx *gorm.DB, walletID uint64) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.conn(tx).WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("wallet_version ASC").
		Find(&txs).Error
	return txs, err
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// GetPackage reads a catalog entry.
func (r *Repository) GetPackage(ctx context.Context, tx *gorm.DB, packageID string) (*model.ServicePackage, error) {
	var p model.ServicePackage
	if err := r.conn(tx).WithContext(ctx).Where("id = ?", packageID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPackages syncs catalog reference data.
func (r *Repository) UpsertPackages(ctx context.Context, pkgs []model.ServicePackage) error {
	if len(pkgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price", "duration_days", "is_active", "updated_at"}),
	}).Create(&pkgs).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by wallet so a consumer sees one wallet's
// events in order.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(evt.AggregateID, 10)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(strconv.FormatUint(evt.ID, 10))},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}

// casBalanceScript stores a wallet snapshot only when the cached version is
// older, so a slow writer can never put back a stale balance.
const casBalanceScript = `
local cur = redis.call("HGET", KEYS[1], "v")
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[1], "b", ARGV[2], "c", ARGV[3])
redis.call("EXPIRE", KEYS[1], ARGV[4])
return 1
`

func balanceKey(userID string) string { return fmt.Sprintf("wallet:balance:%s", userID) }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, w *model.Wallet) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Eval(ctx, casBalanceScript, []string{balanceKey(w.UserID)},
		strconv.FormatUint(w.Version, 10), w.Balance.String(), w.Currency, int(balanceCacheTTL.Seconds())).Err()
}

// GetCachedBalance reads Redis and returns balance and currency. A miss is
// reported as redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, string, error) {
	if r.rdb == nil {
		return decimal.Zero, "", redis.Nil
	}
	vals, err := r.rdb.HMGet(ctx, balanceKey(userID), "b", "c").Result()
	if err != nil {
		return decimal.Zero, "", err
	}
	bal, ok := vals[0].(string)
	if !ok {
		return decimal.Zero, "", redis.Nil
	}
	currency, _ := vals[1].(string)
	d, err := decimal.NewFromString(bal)
	if err != nil {
		return decimal.Zero, "", err
	}
	return d, currency, nil
}
