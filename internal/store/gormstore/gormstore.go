package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/smilecredit/pkg/smilecredit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectReceipt = "receipt"
	errorCodeInsert     = "insert"
	errorCodeDuplicate  = "duplicate"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeMigrate    = "migrate"
)

// Store implements smilecredit.ReceiptStore using GORM. The unique
// (address, idempotency_key) index gives the at-most-once reward
// invariant a durable backstop.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the receipts schema.
func (store *Store) AutoMigrate() error {
	if err := store.db.AutoMigrate(&ReceiptRow{}); err != nil {
		return wrapStoreError(errorCodeMigrate, err)
	}
	return nil
}

// SaveReceipt inserts a confirmed submission record.
func (store *Store) SaveReceipt(ctx context.Context, receipt smilecredit.Receipt) error {
	if receipt.IdempotencyKey == "" || receipt.Address == "" {
		return wrapStoreError(errorCodeInvalid, smilecredit.ErrInvalidReceipt)
	}
	row := ReceiptRow{
		Kind:           string(receipt.Kind),
		Address:        receipt.Address,
		Amount:         receipt.Amount,
		TxHash:         receipt.TxHash,
		IdempotencyKey: receipt.IdempotencyKey,
		Metadata:       datatypes.JSON([]byte(defaultMetadataJSON)),
		CreatedAt:      time.Unix(receipt.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || receipt.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorCodeDuplicate, smilecredit.ErrDuplicateReceipt)
	}
	if err != nil {
		return wrapStoreError(errorCodeInsert, err)
	}
	return nil
}

// ListReceipts returns the newest receipts for an address.
func (store *Store) ListReceipts(ctx context.Context, address string, limit int) ([]smilecredit.Receipt, error) {
	var rows []ReceiptRow
	err := store.db.WithContext(ctx).
		Where("address = ?", address).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	receipts := make([]smilecredit.Receipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, smilecredit.Receipt{
			Kind:           smilecredit.ReceiptKind(row.Kind),
			Address:        row.Address,
			Amount:         row.Amount,
			TxHash:         row.TxHash,
			IdempotencyKey: row.IdempotencyKey,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return receipts, nil
}

func wrapStoreError(code string, err error) error {
	return smilecredit.WrapError(errorOperationStore, errorSubjectReceipt, code, err)
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
