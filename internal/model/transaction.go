package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxTypeDeposit    TransactionType = "DEPOSIT"
	TxTypeVIPPackage TransactionType = "VIP_PACKAGE"
)

// Sign is +1 for entries that credit the wallet and -1 for debits.
func (t TransactionType) Sign() int {
	switch t {
	case TxTypeDeposit:
		return 1
	default:
		return -1
	}
}

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is one immutable ledger entry. Amount is always positive, the
// direction comes from Type. WalletVersion is the wallet version produced by
// applying this entry and orders entries of the same wallet.
type Transaction struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	WalletID      uint64            `gorm:"not null;index;uniqueIndex:uniq_wallet_version,priority:1" json:"walletId"`
	Type          TransactionType   `gorm:"size:32;not null" json:"type"`
	Amount        decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"amount"`
	BalanceAfter  decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"balanceAfter"`
	WalletVersion uint64            `gorm:"not null;uniqueIndex:uniq_wallet_version,priority:2" json:"-"`
	Status        TransactionStatus `gorm:"size:16;not null" json:"status"`
	ReferenceID   *string           `gorm:"size:64" json:"referenceId"`
	Description   string            `gorm:"size:255;not null" json:"description"`
	PaymentMethod *string           `gorm:"size:32" json:"paymentMethod"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt"`
}

func (Transaction) TableName() string { return "wallet_transactions" }
