package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/ahmadzakiakmal/supplychain-provenance/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// Repository error codes
const (
	CodeDatabase      = "DATABASE_ERROR"
	CodeSerialization = "SERIALIZATION_ERROR"
	CodeEventExists   = "EVENT_EXISTS"
	CodeNotFound      = "NOT_FOUND"
)

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

// Repository mirrors the synchronized transaction history into PostgreSQL.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

var _ eventsync.Sink = (*Repository)(nil)

func NewRepository(logger cmtlog.Logger) *Repository {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Repository{logger: logger.With("module", "repository")}
}

// ConnectDB establishes the database connection, retrying up to attempts
// times, and performs migrations
func (r *Repository) ConnectDB(dsn string, attempts int, delay time.Duration) error {
	var lastErr error
	for i := range attempts {
		r.logger.Info("Connecting to PostgreSQL", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
			lastErr = err
			time.Sleep(delay)
			continue
		}
		r.db = db
		break
	}
	if r.db == nil {
		return fmt.Errorf("connect to postgres after %d attempts: %w", attempts, lastErr)
	}
	if err := r.Migrate(); err != nil {
		return err
	}
	r.logger.Info("Connected to DB and completed setup")
	return nil
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	migrator := r.db.Migrator()

	// Event references Transaction, create it first
	for _, model := range []interface{}{&models.Transaction{}, &models.Event{}} {
		if migrator.HasTable(model) {
			continue
		}
		if err := migrator.CreateTable(model); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
		r.logger.Info("Table created", "model", fmt.Sprintf("%T", model))
	}
	return nil
}

// Append implements eventsync.Sink. Events mirrored before are skipped.
func (r *Repository) Append(ctx context.Context, ev eventsync.Event) error {
	_, repoErr := r.SaveEvent(ctx, ev)
	if repoErr != nil {
		if repoErr.Code == CodeEventExists {
			r.logger.Debug("Event already mirrored", "tx_hash", ev.TxHash, "event", ev.Name)
			return nil
		}
		return repoErr
	}
	return nil
}

// SaveEvent stores ev together with its transaction.
func (r *Repository) SaveEvent(ctx context.Context, ev eventsync.Event) (*models.Event, *RepositoryError) {
	record, err := toModel(ev)
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeSerialization,
			Message: "Failed to serialize event payload",
			Detail:  err.Error(),
		}
	}

	dbTx := r.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabase,
			Message: "Failed to start transaction",
			Detail:  dbTx.Error.Error(),
		}
	}

	// a transaction row is shared by all of its events
	tx := models.Transaction{TxHash: ev.TxHash, Height: ev.Height, Session: ev.Session}
	err = dbTx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tx).Error
	if err != nil {
		dbTx.Rollback()
		return nil, classify(err, "Failed to record transaction", ev)
	}

	err = dbTx.Create(record).Error
	if err != nil {
		dbTx.Rollback()
		return nil, classify(err, "Failed to record event", ev)
	}

	err = dbTx.Commit().Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabase,
			Message: "Failed to commit database transaction",
			Detail:  err.Error(),
		}
	}
	return record, nil
}

// EventsBySKU returns the mirrored events of one item in ledger order.
func (r *Repository) EventsBySKU(ctx context.Context, sku uint64) ([]models.Event, *RepositoryError) {
	var events []models.Event
	err := r.db.WithContext(ctx).
		Where("sku = ?", sku).
		Order("height ASC").Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabase,
			Message: "Failed to query events",
			Detail:  err.Error(),
		}
	}
	return events, nil
}

// GetTransaction returns a mirrored transaction with its events.
func (r *Repository) GetTransaction(ctx context.Context, txHash string) (*models.Transaction, *RepositoryError) {
	var tx models.Transaction
	err := r.db.WithContext(ctx).Preload("Events").Where("tx_hash = ?", txHash).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    CodeNotFound,
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("Transaction %s was never mirrored", txHash),
			}
		}
		return nil, &RepositoryError{
			Code:    CodeDatabase,
			Message: "Database error",
			Detail:  err.Error(),
		}
	}
	return &tx, nil
}

// RecentEvents returns up to limit mirrored events, newest first.
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]models.Event, *RepositoryError) {
	var events []models.Event
	err := r.db.WithContext(ctx).Order("height DESC").Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeDatabase,
			Message: "Failed to query events",
			Detail:  err.Error(),
		}
	}
	return events, nil
}

func toModel(ev eventsync.Event) (*models.Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	record := &models.Event{
		TxHash:  ev.TxHash,
		Name:    ev.Name,
		Actor:   ev.Payload[contract.AttrActor],
		Height:  ev.Height,
		Session: ev.Session,
		Payload: string(payload),
	}
	if raw, ok := ev.Payload[contract.AttrSKU]; ok {
		sku, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sku %q: %w", raw, err)
		}
		record.SKU = &sku
	}
	return record, nil
}

func classify(err error, message string, ev eventsync.Event) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgErrUniqueViolation:
			return &RepositoryError{
				Code:    CodeEventExists,
				Message: "Event already exists",
				Detail:  fmt.Sprintf("%s of transaction %s already mirrored", ev.Name, ev.TxHash),
			}
		case PgErrForeignKeyViolation:
			return &RepositoryError{
				Code:    CodeDatabase,
				Message: message,
				Detail:  fmt.Sprintf("transaction %s is missing: %s", ev.TxHash, pgErr.Message),
			}
		}
	}
	return &RepositoryError{
		Code:    CodeDatabase,
		Message: message,
		Detail:  err.Error(),
	}
}
