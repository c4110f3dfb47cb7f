package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verdict enumerates the fact-check outcomes that can be anchored.
type Verdict string

const (
	// VerdictVerified marks a claim judged authentic.
	VerdictVerified Verdict = "verified"
	// VerdictDebunked marks a claim judged false.
	VerdictDebunked Verdict = "debunked"
	// VerdictInvestigating marks a claim still under review.
	VerdictInvestigating Verdict = "investigating"
)

// Status tracks a record through ledger confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Mode states which backend a record was written to.
type Mode string

const (
	ModeLive Mode = "live"
	ModeDemo Mode = "demo"
)

// LocalNetwork is the network name carried by demo-mode records.
const LocalNetwork = "local"

// DemoReason explains why a record was kept off-chain.
type DemoReason string

const (
	DemoReasonNone               DemoReason = ""
	DemoReasonLedgerUnconfigured DemoReason = "ledger_unconfigured"
	DemoReasonLedgerUnreachable  DemoReason = "ledger_unreachable"
	DemoReasonSubmissionFailed   DemoReason = "submission_failed"
	DemoReasonBelowThreshold     DemoReason = "below_threshold"
)

const maxIdentifierLength = 190

// MaxLastErrorLength is the widest last_error value the store keeps.
const MaxLastErrorLength = 1024

var (
	// ErrInvalidVerdict indicates an unknown verdict label.
	ErrInvalidVerdict = errors.New("records: invalid verdict")
	// ErrInvalidRecordID indicates an empty or oversized record identifier.
	ErrInvalidRecordID = errors.New("records: invalid record id")
)

// ParseVerdict validates a raw verdict label.
func ParseVerdict(rawInput string) (Verdict, error) {
	switch Verdict(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VerdictVerified:
		return VerdictVerified, nil
	case VerdictDebunked:
		return VerdictDebunked, nil
	case VerdictInvestigating:
		return VerdictInvestigating, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVerdict, rawInput)
	}
}

// String returns the verdict label.
func (v Verdict) String() string {
	return string(v)
}

// ParseRecordID validates a raw record identifier.
func ParseRecordID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return strings.ToLower(trimmed), nil
}

// Record is the persisted verification record. Identity fields (ID, Sequence,
// Fingerprint, Verdict, Score, Mode, Network, AnchoredAtMillis) never change
// after creation; only the confirmation fields are appended to.
type Record struct {
	ID                string     `gorm:"column:record_id;primaryKey;size:66;not null"`
	Sequence          int64      `gorm:"column:sequence;not null;uniqueIndex"`
	Fingerprint       string     `gorm:"column:content_fingerprint;size:66;not null;index"`
	Verdict           Verdict    `gorm:"column:verdict;size:32;not null"`
	Score             float64    `gorm:"column:score;not null"`
	Mode              Mode       `gorm:"column:mode;size:8;not null;index:idx_records_mode_status,priority:1"`
	Network           string     `gorm:"column:network;size:64;not null"`
	DemoReason        DemoReason `gorm:"column:demo_reason;size:32;not null;default:''"`
	TransactionRef    *string    `gorm:"column:transaction_ref;size:66"`
	BlockRef          *uint64    `gorm:"column:block_ref"`
	AnchoredAtMillis  int64      `gorm:"column:anchored_at_ms;not null"`
	Status            Status     `gorm:"column:status;size:16;not null;index:idx_records_mode_status,priority:2"`
	ReconcileAttempts int        `gorm:"column:reconcile_attempts;not null;default:0"`
	LastError         string     `gorm:"column:last_error;size:1024;not null;default:''"`
	// Chain head observed when a demo record was written, if the network answered.
	ReferenceBlock         *uint64 `gorm:"column:reference_block"`
	ReferenceBlockHash     *string `gorm:"column:reference_block_hash;size:66"`
	ReferenceBlockAtMillis *int64  `gorm:"column:reference_block_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "verification_records"
}

// AnchoredAt returns the anchoring timestamp.
func (r Record) AnchoredAt() time.Time {
	return time.UnixMilli(r.AnchoredAtMillis).UTC()
}

// truncateLastError bounds an error message to the last_error column width.
func truncateLastError(message string) string {
	if len(message) <= MaxLastErrorLength {
		return message
	}
	return strings.ToValidUTF8(message[:MaxLastErrorLength], "")
}

// ReferenceBlockAt returns the reference block timestamp, if one was stamped.
func (r Record) ReferenceBlockAt() (time.Time, bool) {
	if r.ReferenceBlockAtMillis == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.ReferenceBlockAtMillis).UTC(), true
}

// IsTerminal reports whether the record can no longer change status.
func (r Record) IsTerminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

func (r Record) sameIdentity(other Record) bool {
	return r.ID == other.ID &&
		r.Sequence == other.Sequence &&
		r.Fingerprint == other.Fingerprint &&
		r.Verdict == other.Verdict &&
		r.Score == other.Score &&
		r.Mode == other.Mode &&
		r.Network == other.Network &&
		r.AnchoredAtMillis == other.AnchoredAtMillis
}

// FingerprintEntry indexes record ids by content fingerprint.
type FingerprintEntry struct {
	Fingerprint string `gorm:"column:content_fingerprint;primaryKey;size:66;not null"`
	RecordID    string `gorm:"column:record_id;primaryKey;size:66;not null"`
	Sequence    int64  `gorm:"column:sequence;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FingerprintEntry) TableName() string {
	return "record_fingerprints"
}

// SequenceCounter is the single-row allocator for submission sequence numbers.
type SequenceCounter struct {
	Name             string `gorm:"column:name;primaryKey;size:32;not null"`
	LastSequence     int64  `gorm:"column:last_sequence;not null;default:0"`
	LastAnchoredAtMs int64  `gorm:"column:last_anchored_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceCounter) TableName() string {
	return "record_sequences"
}

// Reservation is an allocated, never reused, submission slot.
type Reservation struct {
	Sequence         int64
	AnchoredAtMillis int64
}

// ConfirmationUpdate carries the fields that may be appended to a record.
type ConfirmationUpdate struct {
	Status            Status
	TransactionRef    *string
	BlockRef          *uint64
	ReconcileAttempts *int
	LastError         *string
}

// Models lists the GORM models owned by this package.
func Models() []any {
	return []any{&Record{}, &FingerprintEntry{}, &SequenceCounter{}}
}
