package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds the spendable balance of one user. Rows are never deleted.
type Wallet struct {
	ID        uint64          `gorm:"primaryKey;column:id"`
	UserID    string          `gorm:"size:64;uniqueIndex;not null"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Currency  string          `gorm:"size:8;not null"`
	Version   uint64          `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }
