package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nhlam3011/alonha-sub002/internal/config"
	"github.com/nhlam3011/alonha-sub002/internal/metrics"
	"github.com/nhlam3011/alonha-sub002/internal/model"
	"github.com/nhlam3011/alonha-sub002/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// currencyScale is the number of fractional digits an amount may carry.
const currencyScale = 2

// maxAmountExponent bounds the decimal exponent accepted before any
// arithmetic; rescaling 1e-3000000 allocates millions of digits.
const maxAmountExponent = 20

// Options are the ledger knobs, parsed from config.WalletConfig.
type Options struct {
	Currency            string
	MaxAmount           decimal.Decimal
	DepositMethods      []string
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	MaxRetries          int
}

// OptionsFromConfig fills defaults and parses the amount limit.
func OptionsFromConfig(cfg config.WalletConfig) (Options, error) {
	cfg.ApplyDefaults()
	limit, err := decimal.NewFromString(cfg.MaxAmount)
	if err != nil {
		return Options{}, fmt.Errorf("wallet.max_amount %q: %w", cfg.MaxAmount, err)
	}
	if !limit.IsPositive() {
		return Options{}, fmt.Errorf("wallet.max_amount must be positive, got %s", limit)
	}
	return Options{
		Currency:            cfg.Currency,
		MaxAmount:           limit,
		DepositMethods:      cfg.DepositMethods,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.HistoryMaxLimit,
		MaxRetries:          cfg.MaxRetries,
	}, nil
}

// WalletService glues ledger rules and repository.
type WalletService struct {
	repo    repo.RepositoryInterface
	log     *zap.SugaredLogger
	opts    Options
	methods map[string]struct{}
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, logger *zap.SugaredLogger, opts Options) *WalletService {
	methods := make(map[string]struct{}, len(opts.DepositMethods))
	for _, m := range opts.DepositMethods {
		methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &WalletService{repo: r, log: logger, opts: opts, methods: methods}
}

// Balance is the wallet query result.
type Balance struct {
	Balance  decimal.Decimal
	Currency string
}

// Result is returned by balance-affecting operations.
type Result struct {
	Balance       decimal.Decimal
	TransactionID string
}

// Page is one slice of a wallet's history, newest first.
type Page struct {
	Data  []model.Transaction
	Total int64
	Page  int
	Limit int
}

// Reconciliation is the outcome of replaying a wallet's ledger.
type Reconciliation struct {
	WalletID   uint64
	UserID     string
	Balance    decimal.Decimal
	Replayed   decimal.Decimal
	Entries    int
	Consistent bool
	// MismatchID is the first entry whose BalanceAfter disagrees with the
	// running sum, if any.
	MismatchID *string
}

// GetOrCreateWallet returns the caller's wallet, creating an empty one on
// first access.
func (s *WalletService) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	w, err := s.repo.GetOrCreateWallet(ctx, nil, userID, s.opts.Currency)
	if err != nil {
		return nil, persistence("get or create wallet", err)
	}
	return w, nil
}

// GetBalance serves the wallet query. Cache misses and cache errors fall
// through to the database.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	bal, currency, err := s.repo.GetCachedBalance(ctx, userID)
	if err == nil && currency != "" {
		return &Balance{Balance: bal, Currency: currency}, nil
	}

	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, w)
	return &Balance{Balance: w.Balance, Currency: w.Currency}, nil
}

// Deposit credits the caller's wallet and appends a completed DEPOSIT entry.
func (s *WalletService) Deposit(ctx context.Context, userID string, amt decimal.Decimal, method string) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	if err := s.validateAmount(amt); err != nil {
		metrics.RecordLedgerOperation("deposit", "rejected", 0)
		return nil, err
	}
	m := strings.ToUpper(strings.TrimSpace(method))
	if _, ok := s.methods[m]; !ok {
		metrics.RecordLedgerOperation("deposit", "rejected", 0)
		return nil, ErrInvalidMethod
	}

	var (
		res       *Result
		committed *model.Wallet
	)
	err := s.inTx(ctx, "deposit", func(tx *gorm.DB) error {
		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		next, err := s.repo.CreditWallet(ctx, tx, w, amt)
		if err != nil {
			return s.storeErr("credit wallet", err)
		}

		now := time.Now()
		entry := &model.Transaction{
			ID:            uuid.NewString(),
			WalletID:      w.ID,
			Type:          model.TxTypeDeposit,
			Amount:        amt,
			BalanceAfter:  next.Balance,
			WalletVersion: next.Version,
			Status:        model.TxStatusCompleted,
			Description:   fmt.Sprintf("Deposit via %s", m),
			PaymentMethod: &m,
			CompletedAt:   &now,
		}
		if err := s.record(ctx, tx, next, entry, model.EventWalletDeposited); err != nil {
			return err
		}
		res = &Result{Balance: next.Balance, TransactionID: entry.ID}
		committed = next
		return nil
	})
	if err != nil {
		metrics.RecordLedgerOperation("deposit", outcome(err), 0)
		return nil, err
	}

	s.cache(ctx, committed)
	metrics.RecordLedgerOperation("deposit", "success", amt.InexactFloat64())
	s.log.Infow("deposit completed",
		"user_id", userID, "wallet_id", committed.ID, "amount", amt.String(),
		"method", m, "balance", committed.Balance.String(), "tx_id", res.TransactionID)
	return res, nil
}

// Purchase debits the package price and appends a completed VIP_PACKAGE entry.
// A wallet that cannot cover the price is left untouched.
func (s *WalletService) Purchase(ctx context.Context, userID, packageID string) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	packageID = strings.TrimSpace(packageID)
	if packageID == "" {
		metrics.RecordLedgerOperation("purchase", "rejected", 0)
		return nil, ErrInvalidPackage
	}

	var (
		res       *Result
		committed *model.Wallet
		price     decimal.Decimal
	)
	err := s.inTx(ctx, "purchase", func(tx *gorm.DB) error {
		pkg, err := s.repo.GetPackage(ctx, tx, packageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPackageNotFound
			}
			return persistence("get package", err)
		}
		if !pkg.IsActive {
			return ErrPackageInactive
		}
		price = pkg.Price

		w, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(price) {
			return &InsufficientFundsError{Balance: w.Balance, Price: price}
		}
		next, err := s.repo.DebitWallet(ctx, tx, w, price)
		if err != nil {
			if errors.Is(err, repo.ErrInsufficientFunds) {
				return &InsufficientFundsError{Balance: w.Balance, Price: price}
			}
			return s.storeErr("debit wallet", err)
		}

		now := time.Now()
		ref := pkg.ID
		entry := &model.Transaction{
			ID:            uuid.NewString(),
			WalletID:      w.ID,
			Type:          model.TxTypeVIPPackage,
			Amount:        price,
			BalanceAfter:  next.Balance,
			WalletVersion: next.Version,
			Status:        model.TxStatusCompleted,
			ReferenceID:   &ref,
			Description:   fmt.Sprintf("Purchase package %s", pkg.Name),
			CompletedAt:   &now,
		}
		if err := s.record(ctx, tx, next, entry, model.EventPackagePurchased); err != nil {
			return err
		}
		res = &Result{Balance: next.Balance, TransactionID: entry.ID}
		committed = next
		return nil
	})
	if err != nil {
		metrics.RecordLedgerOperation("purchase", outcome(err), 0)
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			s.log.Infow("purchase refused", "user_id", userID, "package_id", packageID,
				"balance", insufficient.Balance.String(), "price", insufficient.Price.String())
		}
		return nil, err
	}

	s.cache(ctx, committed)
	metrics.RecordLedgerOperation("purchase", "success", price.InexactFloat64())
	s.log.Infow("package purchased",
		"user_id", userID, "wallet_id", committed.ID, "package_id", packageID,
		"price", price.String(), "balance", committed.Balance.String(), "tx_id", res.TransactionID)
	return res, nil
}

// ListTransactions pages through the caller's history, newest first. keyword,
// when set, matches descriptions case-insensitively. It never creates a
// wallet: a user without one has an empty history.
func (s *WalletService) ListTransactions(ctx context.Context, userID string, page, limit int, keyword string) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.opts.HistoryDefaultLimit
	}
	if limit > s.opts.HistoryMaxLimit {
		limit = s.opts.HistoryMaxLimit
	}

	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	w, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Page{Data: []model.Transaction{}, Page: page, Limit: limit}, nil
		}
		return nil, persistence("get wallet", err)
	}
	txs, total, err := s.repo.ListTransactions(ctx, w.ID, repo.ListOptions{
		Offset:  (page - 1) * limit,
		Limit:   limit,
		Keyword: keyword,
	})
	if err != nil {
		return nil, persistence("list transactions", err)
	}
	return &Page{Data: txs, Total: total, Page: page, Limit: limit}, nil
}

// Reconcile replays every entry of the user's wallet and compares the running
// sum with each BalanceAfter and with the stored balance. The wallet row is
// locked while reading so no entry can be appended mid-replay.
func (s *WalletService) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	existing, err := s.repo.GetWalletByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, persistence("get wallet", err)
	}

	var rep *Reconciliation
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetWalletForUpdate(ctx, tx, existing.ID)
		if err != nil {
			return persistence("lock wallet", err)
		}
		entries, err := s.repo.AllTransactions(ctx, tx, w.ID)
		if err != nil {
			return persistence("load ledger", err)
		}
		rep = replay(w, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rep.Consistent {
		s.log.Errorw("ledger mismatch", "user_id", userID, "wallet_id", rep.WalletID,
			"balance", rep.Balance.String(), "replayed", rep.Replayed.String())
	}
	return rep, nil
}

func replay(w *model.Wallet, entries []model.Transaction) *Reconciliation {
	rep := &Reconciliation{WalletID: w.ID, UserID: w.UserID, Balance: w.Balance, Entries: len(entries)}
	running := decimal.Zero
	for i := range entries {
		e := entries[i]
		if e.Status != model.TxStatusCompleted {
			continue
		}
		running = running.Add(e.Amount.Mul(decimal.NewFromInt(int64(e.Type.Sign()))))
		if rep.MismatchID == nil && (!running.Equal(e.BalanceAfter) || running.IsNegative()) {
			id := e.ID
			rep.MismatchID = &id
		}
	}
	rep.Replayed = running
	rep.Consistent = rep.MismatchID == nil && running.Equal(w.Balance)
	return rep
}

// SeedCatalog upserts the configured packages.
func (s *WalletService) SeedCatalog(ctx context.Context, seeds []config.PackageSeed) error {
	pkgs := make([]model.ServicePackage, 0, len(seeds))
	for _, p := range seeds {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return fmt.Errorf("package %s price %q: %w", p.ID, p.Price, err)
		}
		if price.IsNegative() {
			return fmt.Errorf("package %s has a negative price", p.ID)
		}
		pkgs = append(pkgs, model.ServicePackage{
			ID:           p.ID,
			Name:         p.Name,
			Price:        price,
			DurationDays: p.DurationDays,
			IsActive:     p.Active,
		})
	}
	if err := s.repo.UpsertPackages(ctx, pkgs); err != nil {
		return persistence("seed catalog", err)
	}
	s.log.Infof("catalog seeded with %d packages", len(pkgs))
	return nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}

func (s *WalletService) validateAmount(amt decimal.Decimal) error {
	if exp := amt.Exponent(); exp < -maxAmountExponent || exp > maxAmountExponent {
		return ErrInvalidAmount
	}
	if !amt.IsPositive() || amt.GreaterThan(s.opts.MaxAmount) {
		return ErrInvalidAmount
	}
	if !amt.Equal(amt.Round(currencyScale)) {
		return ErrInvalidAmount
	}
	return nil
}

// inTx runs fn in a fresh transaction, retrying while the wallet version CAS
// loses. Any error rolls the whole unit back.
func (s *WalletService) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		err = s.repo.DB(ctx).Transaction(fn)
		if !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
		s.log.Warnw("wallet version conflict", "op", op, "attempt", attempt)
	}
	return persistence(op, err)
}

// lockWallet creates the wallet if needed and takes its row lock.
func (s *WalletService) lockWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	w, err := s.repo.GetOrCreateWallet(ctx, tx, userID, s.opts.Currency)
	if err != nil {
		return nil, persistence("get or create wallet", err)
	}
	locked, err := s.repo.GetWalletForUpdate(ctx, tx, w.ID)
	if err != nil {
		return nil, persistence("lock wallet", err)
	}
	return locked, nil
}

// record appends the ledger entry and its outbox event.
func (s *WalletService) record(ctx context.Context, tx *gorm.DB, w *model.Wallet, entry *model.Transaction, eventType string) error {
	if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
		return persistence("create transaction", err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": entry.ID,
		"wallet_id":      w.ID,
		"user_id":        w.UserID,
		"type":           entry.Type,
		"amount":         entry.Amount.String(),
		"balance":        w.Balance.String(),
		"reference_id":   entry.ReferenceID,
	})
	if err != nil {
		return persistence("encode event", err)
	}
	evt := &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: w.ID,
		EventType:   eventType,
		Payload:     string(payload),
	}
	if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		return persistence("create outbox event", err)
	}
	return nil
}

// storeErr keeps ErrVersionConflict visible to inTx and wraps the rest.
func (s *WalletService) storeErr(op string, err error) error {
	if errors.Is(err, repo.ErrVersionConflict) {
		return err
	}
	return persistence(op, err)
}

func (s *WalletService) cache(ctx context.Context, w *model.Wallet) {
	if w == nil {
		return
	}
	if err := s.repo.CacheBalance(ctx, w); err != nil {
		s.log.Warnw("balance cache write failed", "wallet_id", w.ID, "err", err)
	}
}

func outcome(err error) string {
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_funds"
	case IsValidation(err), IsNotFound(err):
		return "rejected"
	default:
		return "error"
	}
}
