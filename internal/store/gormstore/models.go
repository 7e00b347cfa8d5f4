package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReceiptRow mirrors the receipts table.
type ReceiptRow struct {
	ReceiptID      string         `gorm:"type:uuid;primaryKey"`
	Kind           string         `gorm:"not null"`
	Address        string         `gorm:"not null;index:idx_receipts_address_created,priority:1;index:uniq_receipt_idem,unique,priority:1"`
	Amount         string         `gorm:""`
	TxHash         string         `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_receipt_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_receipts_address_created,priority:2"`
}

func (ReceiptRow) TableName() string { return "receipts" }

func (receipt *ReceiptRow) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}
