package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServicePackage is catalog reference data. The ledger only reads it.
type ServicePackage struct {
	ID           string          `gorm:"primaryKey;size:64"`
	Name         string          `gorm:"size:128;not null"`
	Price        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	DurationDays int             `gorm:"not null;default:0"`
	IsActive     bool            `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime"`
}

func (ServicePackage) TableName() string { return "service_packages" }
