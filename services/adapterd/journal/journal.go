package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// Outcome values recorded for operations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var ErrNotFound = errors.New("journal: operation not found")

// OperationRecord is the audit entry of one mutating API call.
type OperationRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID string    `gorm:"size:64;index"`
	Operation string    `gorm:"size:64;index"`
	Position  string    `gorm:"size:42;index"`
	Caller    string    `gorm:"size:42;index"`
	Request   string    `gorm:"type:text"`
	Digest    string    `gorm:"size:64;index"`
	Result    string    `gorm:"type:text"`
	Outcome   string    `gorm:"size:16;index"`
	Code      string    `gorm:"size:64"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// Journal persists operation records.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the journal database selected by dsn and migrates the
// schema. Postgres URLs use the Postgres driver; anything else is treated as
// a SQLite path, with the empty string selecting an in-memory database.
func Open(dsn string) (*Journal, error) {
	dialector := dialectorFor(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&OperationRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgres.Open(trimmed)
	case trimmed == "":
		return sqlite.Open("file::memory:?cache=shared")
	default:
		return sqlite.Open(trimmed)
	}
}

// Record stores rec, assigning an ID and timestamp when missing.
func (j *Journal) Record(ctx context.Context, rec *OperationRecord) error {
	if rec == nil {
		return errors.New("journal: record required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.now().UTC()
	}
	if rec.Digest == "" && rec.Request != "" {
		rec.Digest = RequestDigest(rec.Operation, rec.Position, rec.Request)
	}
	rec.Position = strings.ToLower(rec.Position)
	rec.Caller = strings.ToLower(rec.Caller)
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// RequestDigest identifies a request payload for one operation on one
// position, so retried submissions share a digest.
func RequestDigest(operation, position, request string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(position)))
	h.Write([]byte{0})
	h.Write([]byte(request))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the record with the given id.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (OperationRecord, error) {
	var rec OperationRecord
	err := j.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("journal: get: %w", err)
	}
	return rec, nil
}

// ListByPosition returns the most recent records of a position, newest
// first. A non-positive limit defaults to 50.
func (j *Journal) ListByPosition(ctx context.Context, position string, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []OperationRecord
	err := j.db.WithContext(ctx).
		Where("position = ?", strings.ToLower(position)).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
