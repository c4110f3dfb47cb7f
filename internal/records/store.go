package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit   = 10
	maxListLimit       = 200
	sequenceCounterKey = "records"
)

var (
	// ErrNotFound indicates that no record exists for the identifier.
	ErrNotFound = errors.New("records: not found")
	// ErrIdentityConflict indicates an attempt to rewrite a record's identity fields.
	ErrIdentityConflict = errors.New("records: identity fields are immutable")
	// ErrInvalidTransition indicates a status change out of a terminal state.
	ErrInvalidTransition = errors.New("records: invalid status transition")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable code of the form "<operation>.<reason>".
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew          = "records.store.new"
	opReserve           = "records.reserve"
	opPut               = "records.put"
	opGet               = "records.get"
	opList              = "records.list"
	opListByFingerprint = "records.ids_by_fingerprint"
	opListPending       = "records.list_pending"
	opUpdate            = "records.update_confirmation"
	opStats             = "records.stats"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig wires the store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable local index of verification records. It doubles as
// the read cache for live records and the entire store in demo mode.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Reserve allocates the next submission sequence and a timestamp that never
// precedes an earlier reservation.
func (s *Store) Reserve(ctx context.Context) (Reservation, error) {
	var reservation Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter SequenceCounter
		isNew := false
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", sequenceCounterKey).
			Take(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = SequenceCounter{Name: sequenceCounterKey}
			isNew = true
		} else if err != nil {
			return newStoreError(opReserve, "counter_select_failed", err)
		}

		nowMillis := s.clock().UTC().UnixMilli()
		if nowMillis < counter.LastAnchoredAtMs {
			nowMillis = counter.LastAnchoredAtMs
		}
		counter.LastSequence++
		counter.LastAnchoredAtMs = nowMillis

		if isNew {
			if err := tx.Create(&counter).Error; err != nil {
				return newStoreError(opReserve, "counter_insert_failed", err)
			}
		} else if err := tx.Save(&counter).Error; err != nil {
			return newStoreError(opReserve, "counter_save_failed", err)
		}
		reservation = Reservation{Sequence: counter.LastSequence, AnchoredAtMillis: nowMillis}
		return nil
	})
	if err != nil {
		s.logError(opReserve, "transaction_failed", err)
		return Reservation{}, err
	}
	return reservation, nil
}

// Put inserts a new record with its fingerprint index entry, or appends
// confirmation data to an existing record with the same identity.
func (s *Store) Put(ctx context.Context, record Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("record_id = ?", record.ID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record.LastError = truncateLastError(record.LastError)
			if err := tx.Create(&record).Error; err != nil {
				return newStoreError(opPut, "record_insert_failed", err)
			}
			entry := FingerprintEntry{Fingerprint: record.Fingerprint, RecordID: record.ID, Sequence: record.Sequence}
			if err := tx.Create(&entry).Error; err != nil {
				return newStoreError(opPut, "index_insert_failed", err)
			}
			return nil
		}
		if err != nil {
			return newStoreError(opPut, "record_select_failed", err)
		}
		if !existing.sameIdentity(record) {
			return newStoreError(opPut, "identity_conflict", ErrIdentityConflict)
		}
		update := ConfirmationUpdate{
			Status:            record.Status,
			TransactionRef:    record.TransactionRef,
			BlockRef:          record.BlockRef,
			ReconcileAttempts: &record.ReconcileAttempts,
			LastError:         &record.LastError,
		}
		return applyConfirmation(tx, existing, update, opPut)
	})
	if err != nil {
		s.logError(opPut, "transaction_failed", err, zap.String("record_id", record.ID))
	}
	return err
}

// UpdateConfirmation appends confirmation data to an existing record and
// returns the stored result.
func (s *Store) UpdateConfirmation(ctx context.Context, recordID string, update ConfirmationUpdate) (Record, error) {
	var updated Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("record_id = ?", recordID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opUpdate, "not_found", ErrNotFound)
		}
		if err != nil {
			return newStoreError(opUpdate, "record_select_failed", err)
		}
		if err := applyConfirmation(tx, existing, update, opUpdate); err != nil {
			return err
		}
		return tx.Where("record_id = ?", recordID).Take(&updated).Error
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opUpdate, "transaction_failed", err, zap.String("record_id", recordID))
		}
		return Record{}, err
	}
	return updated, nil
}

func applyConfirmation(tx *gorm.DB, existing Record, update ConfirmationUpdate, operation string) error {
	if !transitionAllowed(existing.Status, update.Status) {
		return newStoreError(operation, "invalid_transition",
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, update.Status))
	}

	changes := map[string]any{"status": update.Status}
	if update.TransactionRef != nil {
		if existing.TransactionRef != nil && *existing.TransactionRef != *update.TransactionRef {
			return newStoreError(operation, "identity_conflict", ErrIdentityConflict)
		}
		changes["transaction_ref"] = *update.TransactionRef
	}
	if update.BlockRef != nil {
		if existing.BlockRef != nil && *existing.BlockRef != *update.BlockRef {
			return newStoreError(operation, "identity_conflict", ErrIdentityConflict)
		}
		changes["block_ref"] = *update.BlockRef
	}
	if update.ReconcileAttempts != nil {
		changes["reconcile_attempts"] = *update.ReconcileAttempts
	}
	if update.LastError != nil {
		changes["last_error"] = truncateLastError(*update.LastError)
	}

	if err := tx.Model(&Record{}).Where("record_id = ?", existing.ID).Updates(changes).Error; err != nil {
		return newStoreError(operation, "record_update_failed", err)
	}
	return nil
}

func transitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPending || to == StatusConfirmed || to == StatusFailed
	case StatusConfirmed, StatusFailed:
		return to == from
	default:
		return false
	}
}

// Get returns the record for the identifier or ErrNotFound.
func (s *Store) Get(ctx context.Context, recordID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newStoreError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("record_id", recordID))
		return Record{}, newStoreError(opGet, "query_failed", err)
	}
	return record, nil
}

// EffectiveListLimit returns the page size List applies for a requested limit.
func EffectiveListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Record, error) {
	limit = EffectiveListLimit(limit)
	if offset < 0 {
		offset = 0
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Order("sequence DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newStoreError(opList, "query_failed", err)
	}
	return records, nil
}

// IDsByFingerprint returns every record id anchored for the fingerprint, newest first.
func (s *Store) IDsByFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	var entries []FingerprintEntry
	if err := s.db.WithContext(ctx).
		Where("content_fingerprint = ?", fingerprint).
		Order("sequence DESC").
		Find(&entries).Error; err != nil {
		s.logError(opListByFingerprint, "query_failed", err, zap.String("fingerprint", fingerprint))
		return nil, newStoreError(opListByFingerprint, "query_failed", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.RecordID)
	}
	return ids, nil
}

// ListPending returns live records awaiting confirmation, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("mode = ? AND status = ?", ModeLive, StatusPending).
		Order("sequence ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListPending, "query_failed", err)
		return nil, newStoreError(opListPending, "query_failed", err)
	}
	return records, nil
}

// Stats summarizes stored records.
type Stats struct {
	Total    int64
	ByMode   map[Mode]int64
	ByStatus map[Status]int64
}

// Stats counts records grouped by mode and status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	type row struct {
		Mode   Mode
		Status Status
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("mode, status, COUNT(*) AS count").
		Group("mode, status").
		Scan(&rows).Error; err != nil {
		s.logError(opStats, "query_failed", err)
		return Stats{}, newStoreError(opStats, "query_failed", err)
	}
	stats := Stats{ByMode: map[Mode]int64{}, ByStatus: map[Status]int64{}}
	for _, r := range rows {
		stats.Total += r.Count
		stats.ByMode[r.Mode] += r.Count
		stats.ByStatus[r.Status] += r.Count
	}
	return stats, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records store error", attrs...)
}
