// Package numbering allocates human-readable invoice numbers, one monotonic
// sequence per calendar year. Allocation must join the caller's transaction
// and takes a row lock so concurrent writers never share a number.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const prefix = "INV"

var ErrMalformedNumber = errors.New("malformed_invoice_number")

// InvoiceSequence is the per-year allocation counter.
type InvoiceSequence struct {
	Year           int       `gorm:"primaryKey;autoIncrement:false"`
	SequenceNumber int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }

type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

// Next reserves the year's next sequence number inside tx and returns the
// formatted invoice number. The sequence row is created on first use and read
// under FOR UPDATE on dialects that support it; sqlite's single writer
// serializes the increment on its own.
func (g *Generator) Next(ctx context.Context, tx *gorm.DB, year int) (string, error) {
	if tx == nil {
		return "", errors.New("numbering: nil transaction")
	}

	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&InvoiceSequence{Year: year, SequenceNumber: 0, UpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		return "", err
	}

	stmt := tx.WithContext(ctx)
	if supportsRowLock(tx) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var seq InvoiceSequence
	if err := stmt.Where("year = ?", year).First(&seq).Error; err != nil {
		return "", err
	}

	seq.SequenceNumber++
	seq.UpdatedAt = time.Now().UTC()
	err = tx.WithContext(ctx).
		Model(&InvoiceSequence{}).
		Where("year = ?", year).
		Updates(map[string]any{
			"sequence_number": seq.SequenceNumber,
			"updated_at":      seq.UpdatedAt,
		}).Error
	if err != nil {
		return "", err
	}

	return Format(year, seq.SequenceNumber), nil
}

func supportsRowLock(tx *gorm.DB) bool {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}

// Format renders an invoice number as INV-<year>-<4-digit sequence>.
func Format(year int, sequence int64) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, sequence)
}

// Parse returns the year and sequence encoded in an invoice number.
func Parse(number string) (int, int64, error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] != prefix {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	sequence, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || sequence < 1 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	return year, sequence, nil
}
