// Package indexer maintains a queryable sqlite mirror of the ledger, fed
// exclusively by emitted events so observers never need to re-query ledger
// state.
package indexer

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"datamarket/core/events"
	"datamarket/core/types"
	"datamarket/crypto"
)

// EventRecord is the append-only journal of every ledger event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index"`
	Attributes string
	CreatedAt  time.Time
}

// RequestRow is the current snapshot of a request.
type RequestRow struct {
	ID          uint64 `gorm:"primaryKey"`
	Buyer       string `gorm:"index"`
	Budget      string
	Formats     string
	Description string
	Status      string `gorm:"index"`
	Score       uint8
	ReportRef   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubmissionRow is the current snapshot of a submission.
type SubmissionRow struct {
	ID            uint64 `gorm:"primaryKey"`
	RequestID     uint64 `gorm:"index"`
	Seller        string `gorm:"index"`
	ProducerModel string
	Format        string
	DatasetRef    string
	Status        string `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open creates or opens the sqlite snapshot database.
func Open(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// Indexer consumes ledger events and keeps the snapshot rows current. Emit
// never fails the emitting operation; persistence errors are logged and the
// journal stays authoritative on replay.
type Indexer struct {
	db  *gorm.DB
	log *slog.Logger
}

// New migrates the schema and returns an indexer bound to the database.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if err := db.AutoMigrate(&EventRecord{}, &RequestRow{}, &SubmissionRow{}); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, log: log}, nil
}

// Emit implements events.Emitter.
func (ix *Indexer) Emit(evt events.Event) {
	if ix == nil || evt == nil {
		return
	}
	ix.journal(evt)
	switch e := evt.(type) {
	case events.RequestCreated:
		ix.upsertRequest(&RequestRow{
			ID:          e.ID,
			Buyer:       addressString(e.Buyer),
			Budget:      amountString(e.Deposit),
			Formats:     e.Formats,
			Description: e.Description,
			Status:      "open",
			CreatedAt:   time.Unix(e.CreatedAt, 0).UTC(),
		})
	case events.RequestCancelled:
		ix.updateRequest(e.ID, map[string]interface{}{"status": "cancelled", "budget": "0"})
	case events.SubmissionCreated:
		ix.upsertSubmission(&SubmissionRow{
			ID:            e.ID,
			RequestID:     e.RequestID,
			Seller:        addressString(e.Seller),
			ProducerModel: addressString(e.ProducerModel),
			Format:        e.Format,
			DatasetRef:    e.DatasetRef,
			Status:        "pending",
			CreatedAt:     time.Unix(e.CreatedAt, 0).UTC(),
		})
	case events.SubmissionFinalized:
		ix.updateRequest(e.RequestID, map[string]interface{}{
			"status":     "closed",
			"budget":     "0",
			"score":      e.QualityScore,
			"report_ref": e.ReportRef,
		})
	case events.PayoutReleased:
		ix.updateSubmission(e.SubmissionID, map[string]interface{}{"status": "paid"})
	case events.RefundIssued:
		ix.updateSubmission(e.SubmissionID, map[string]interface{}{"status": "refunded"})
	}
}

func (ix *Indexer) journal(evt events.Event) {
	record := EventRecord{
		ID:        uuid.New(),
		Type:      evt.EventType(),
		CreatedAt: time.Now().UTC(),
	}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if encoded, err := json.Marshal(carrier.Event()); err == nil {
			record.Attributes = string(encoded)
		}
	}
	if err := ix.db.Create(&record).Error; err != nil {
		ix.log.Error("index event journal", "type", evt.EventType(), "error", err)
	}
}

func (ix *Indexer) upsertRequest(row *RequestRow) {
	if err := ix.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		ix.log.Error("index request snapshot", "id", row.ID, "error", err)
	}
}

func (ix *Indexer) updateRequest(id uint64, fields map[string]interface{}) {
	if err := ix.db.Model(&RequestRow{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		ix.log.Error("index request update", "id", id, "error", err)
	}
}

func (ix *Indexer) upsertSubmission(row *SubmissionRow) {
	if err := ix.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		ix.log.Error("index submission snapshot", "id", row.ID, "error", err)
	}
}

func (ix *Indexer) updateSubmission(id uint64, fields map[string]interface{}) {
	if err := ix.db.Model(&SubmissionRow{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		ix.log.Error("index submission update", "id", id, "error", err)
	}
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
