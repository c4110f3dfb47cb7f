// Package anchoring is the verification-record façade: it fingerprints
// claims, routes writes to the ledger or the local store, and re-verifies
// content against stored records.
package anchoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/mode"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"go.uber.org/zap"
)

const (
	// MaxClaimBytes bounds the claim text accepted for fingerprinting.
	MaxClaimBytes = 16 * 1024

	defaultScoreThreshold    = 0.4
	defaultSubmissionTimeout = 3 * time.Second
	defaultRefreshTimeout    = time.Second
	defaultReferenceTimeout  = time.Second
)

// Ledger is the anchoring backend driven by the service.
type Ledger interface {
	Network() ledger.Network
	Submit(ctx context.Context, digest string, verdict string, score float64) (string, error)
	WaitForConfirmation(ctx context.Context, transactionRef string, timeout time.Duration) (uint64, error)
	ReadRecord(ctx context.Context, transactionRef string) (ledger.OnChainRecord, error)
}

// ReferenceSource reports the current chain head for stamping local records.
type ReferenceSource interface {
	LatestBlock(ctx context.Context) (ledger.ReferenceBlock, error)
}

// ModeController picks live or demo mode per operation.
type ModeController interface {
	Decide(ctx context.Context) mode.Decision
	ReportFailure()
	Status(ctx context.Context) mode.Status
}

// Policy decides which results are worth a ledger transaction.
type Policy struct {
	// ScoreThreshold anchors results whose score is strictly below it.
	ScoreThreshold float64
	// AnchorAll anchors every result regardless of score.
	AnchorAll bool
	// AllowForce honours per-request force flags.
	AllowForce bool
}

// Eligible reports whether a result qualifies for ledger anchoring.
func (p Policy) Eligible(score float64, force bool) bool {
	if p.AnchorAll {
		return true
	}
	if force && p.AllowForce {
		return true
	}
	return score < p.ScoreThreshold
}

// ServiceConfig wires the service dependencies.
type ServiceConfig struct {
	Store             *records.Store
	Ledger            Ledger
	Modes             ModeController
	Policy            Policy
	SubmissionTimeout time.Duration
	ConfirmWait       time.Duration
	RefreshTimeout    time.Duration
	// References stamps demo records with the chain head when set.
	References       ReferenceSource
	ReferenceTimeout time.Duration
	Events           EventPublisher
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Service owns record creation and lifecycle transitions.
type Service struct {
	store             *records.Store
	ledger            Ledger
	modes             ModeController
	policy            Policy
	submissionTimeout time.Duration
	confirmWait       time.Duration
	refreshTimeout    time.Duration
	references        ReferenceSource
	referenceTimeout  time.Duration
	events            EventPublisher
	clock             func() time.Time
	logger            *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Modes == nil {
		return nil, newServiceError(opServiceNew, "missing_mode_controller", errMissingModes)
	}
	policy := cfg.Policy
	if policy.ScoreThreshold <= 0 {
		policy.ScoreThreshold = defaultScoreThreshold
	}
	submissionTimeout := cfg.SubmissionTimeout
	if submissionTimeout <= 0 {
		submissionTimeout = defaultSubmissionTimeout
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	referenceTimeout := cfg.ReferenceTimeout
	if referenceTimeout <= 0 {
		referenceTimeout = defaultReferenceTimeout
	}
	events := cfg.Events
	if events == nil {
		events = discardPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:             cfg.Store,
		ledger:            cfg.Ledger,
		modes:             cfg.Modes,
		policy:            policy,
		submissionTimeout: submissionTimeout,
		confirmWait:       cfg.ConfirmWait,
		refreshTimeout:    refreshTimeout,
		references:        cfg.References,
		referenceTimeout:  referenceTimeout,
		events:            events,
		clock:             clock,
		logger:            logger,
	}, nil
}

// AnchorRequest is a finished verdict handed over by the scoring pipeline.
type AnchorRequest struct {
	ClaimText string
	Verdict   records.Verdict
	Score     float64
	// Force requests ledger anchoring outside the score policy.
	Force bool
}

// Anchor fingerprints the claim and records it, on the ledger when the policy
// and the ledger allow, otherwise in the local store. Only validation and
// store failures are returned as errors.
func (s *Service) Anchor(ctx context.Context, request AnchorRequest) (records.Record, error) {
	started := s.clock()
	if err := validateClaim(request.ClaimText); err != nil {
		return records.Record{}, err
	}
	verdict, err := records.ParseVerdict(string(request.Verdict))
	if err != nil {
		return records.Record{}, &ValidationError{Field: "verdict", Reason: "must be one of verified, debunked, investigating"}
	}
	if math.IsNaN(request.Score) || request.Score < 0 || request.Score > 1 {
		return records.Record{}, &ValidationError{Field: "score", Reason: "must be within [0,1]"}
	}

	// The write must outlive a cancelled caller once a transaction may have been sent.
	persistCtx := context.WithoutCancel(ctx)

	digest := fingerprint.Fingerprint(request.ClaimText)
	reservation, err := s.store.Reserve(persistCtx)
	if err != nil {
		s.logError(opAnchor, "reserve_failed", err)
		return records.Record{}, newServiceError(opAnchor, "reserve_failed", err)
	}

	record := records.Record{
		ID:               recordID(digest, reservation.Sequence),
		Sequence:         reservation.Sequence,
		Fingerprint:      digest,
		Verdict:          verdict,
		Score:            request.Score,
		AnchoredAtMillis: reservation.AnchoredAtMillis,
	}

	switch {
	case !s.policy.Eligible(request.Score, request.Force):
		markDemo(&record, records.DemoReasonBelowThreshold)
	case s.ledger == nil:
		markDemo(&record, records.DemoReasonLedgerUnconfigured)
	default:
		decision := s.modes.Decide(ctx)
		if !decision.Live() {
			markDemo(&record, decision.Reason)
			break
		}
		transactionRef, submitErr := s.submit(persistCtx, record)
		if submitErr != nil {
			s.modes.ReportFailure()
			markDemo(&record, records.DemoReasonSubmissionFailed)
			break
		}
		record.Mode = records.ModeLive
		record.Network = decision.Network
		record.Status = records.StatusPending
		record.TransactionRef = &transactionRef
	}

	if record.Mode == records.ModeDemo &&
		record.DemoReason != records.DemoReasonBelowThreshold &&
		record.DemoReason != records.DemoReasonLedgerUnreachable {
		s.stampReference(ctx, &record)
	}

	if err := s.store.Put(persistCtx, record); err != nil {
		s.logError(opAnchor, "store_put_failed", err, zap.String("record_id", record.ID))
		return records.Record{}, newServiceError(opAnchor, "store_put_failed", err)
	}

	anchorTotal.WithLabelValues(string(record.Mode), string(record.DemoReason)).Inc()
	anchorDuration.WithLabelValues(string(record.Mode)).Observe(s.clock().Sub(started).Seconds())
	s.publish(EventRecordAnchored, record)
	s.logger.Info("record anchored",
		zap.String("record_id", record.ID),
		zap.String("mode", string(record.Mode)),
		zap.String("network", record.Network),
		zap.String("demo_reason", string(record.DemoReason)))

	if record.Mode == records.ModeLive && s.confirmWait > 0 {
		waitCtx, cancel := context.WithTimeout(persistCtx, s.confirmWait)
		defer cancel()
		if confirmed, _, err := s.observe(waitCtx, record, s.confirmWait, 0); err == nil {
			record = confirmed
		}
	}

	return record, nil
}

func (s *Service) submit(ctx context.Context, record records.Record) (string, error) {
	submitCtx, cancel := context.WithTimeout(ctx, s.submissionTimeout)
	defer cancel()
	transactionRef, err := s.ledger.Submit(submitCtx, record.Fingerprint, record.Verdict.String(), record.Score)
	if err != nil {
		reason := "unknown"
		var submissionErr *ledger.SubmissionError
		if errors.As(err, &submissionErr) {
			reason = string(submissionErr.Reason)
		}
		submissionFailures.WithLabelValues(reason).Inc()
		s.logger.Warn("ledger submission failed, recording locally",
			zap.String("record_id", record.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return "", err
	}
	return transactionRef, nil
}

// stampReference records the chain head on a demo record. Failures leave the
// record unstamped.
func (s *Service) stampReference(ctx context.Context, record *records.Record) {
	if s.references == nil {
		return
	}
	referenceCtx, cancel := context.WithTimeout(ctx, s.referenceTimeout)
	defer cancel()
	block, err := s.references.LatestBlock(referenceCtx)
	if err != nil {
		s.logger.Debug("reference block unavailable",
			zap.String("record_id", record.ID),
			zap.Error(err))
		return
	}
	number := block.Number
	hash := block.Hash
	observedAt := block.Timestamp.UnixMilli()
	record.ReferenceBlock = &number
	record.ReferenceBlockHash = &hash
	record.ReferenceBlockAtMillis = &observedAt
}

func markDemo(record *records.Record, reason records.DemoReason) {
	record.Mode = records.ModeDemo
	record.Network = records.LocalNetwork
	record.Status = records.StatusConfirmed
	record.DemoReason = reason
	record.TransactionRef = nil
	record.BlockRef = nil
}

// GetByID returns a stored record. Pending records get one bounded refresh
// from the ledger; a failed refresh returns the cached record unchanged.
func (s *Service) GetByID(ctx context.Context, rawID string) (records.Record, error) {
	id, err := records.ParseRecordID(rawID)
	if err != nil {
		return records.Record{}, &ValidationError{Field: "record_id", Reason: err.Error()}
	}
	record, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return records.Record{}, err
		}
		return records.Record{}, newServiceError(opGetByID, "store_get_failed", err)
	}
	if !s.refreshable(record) {
		return record, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()
	refreshed, _, err := s.observe(refreshCtx, record, s.refreshTimeout, 0)
	if err != nil {
		s.logger.Debug("pending record refresh failed",
			zap.String("record_id", record.ID),
			zap.Error(err))
		return record, nil
	}
	return refreshed, nil
}

func (s *Service) refreshable(record records.Record) bool {
	return s.ledger != nil &&
		record.Mode == records.ModeLive &&
		!record.IsTerminal() &&
		record.TransactionRef != nil
}

// Verification is the result of a tamper-evidence check.
type Verification struct {
	Record              records.Record
	Matched             bool
	ExpectedFingerprint string
}

// VerifyContent reports whether claimText fingerprints to exactly the digest
// stored under the record id.
func (s *Service) VerifyContent(ctx context.Context, rawID string, claimText string) (Verification, error) {
	if err := validateClaim(claimText); err != nil {
		return Verification{}, err
	}
	record, err := s.GetByID(ctx, rawID)
	if err != nil {
		return Verification{}, err
	}
	expected := fingerprint.Fingerprint(claimText)
	matched := fingerprint.Equal(expected, record.Fingerprint)
	verifyContentTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
	return Verification{Record: record, Matched: matched, ExpectedFingerprint: expected}, nil
}

// FindByContent returns every record anchored for the claim's fingerprint, newest first.
func (s *Service) FindByContent(ctx context.Context, claimText string) ([]records.Record, error) {
	if err := validateClaim(claimText); err != nil {
		return nil, err
	}
	ids, err := s.store.IDsByFingerprint(ctx, fingerprint.Fingerprint(claimText))
	if err != nil {
		return nil, newServiceError(opFindByContent, "index_lookup_failed", err)
	}
	found := make([]records.Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, newServiceError(opFindByContent, "store_get_failed", err)
		}
		found = append(found, record)
	}
	return found, nil
}

// List returns stored records newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]records.Record, error) {
	found, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, newServiceError(opList, "store_list_failed", err)
	}
	return found, nil
}

// LedgerStatus summarizes the anchoring backend for operators and the UI.
type LedgerStatus struct {
	Mode            mode.Status
	Network         ledger.Network
	ContractAddress string
	WalletAddress   string
	Policy          Policy
	Stats           records.Stats
}

type ledgerDescriber interface {
	Address() string
	ContractAddress() string
}

// Status reports the current mode, ledger identity, policy and record counts.
func (s *Service) Status(ctx context.Context) (LedgerStatus, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return LedgerStatus{}, newServiceError(opStatus, "store_stats_failed", err)
	}
	status := LedgerStatus{
		Mode:   s.modes.Status(ctx),
		Policy: s.policy,
		Stats:  stats,
	}
	if s.ledger != nil {
		status.Network = s.ledger.Network()
		if describer, ok := s.ledger.(ledgerDescriber); ok {
			status.ContractAddress = describer.ContractAddress()
			status.WalletAddress = describer.Address()
		}
	}
	return status, nil
}

// ExplorerURL links a live record's transaction on its network's explorer.
func ExplorerURL(record records.Record) string {
	if record.Mode != records.ModeLive || record.TransactionRef == nil {
		return ""
	}
	network, err := ledger.LookupNetwork(record.Network)
	if err != nil {
		return ""
	}
	return network.ExplorerTxURL(*record.TransactionRef)
}

func validateClaim(claimText string) error {
	if strings.TrimSpace(claimText) == "" {
		return &ValidationError{Field: "claim_text", Reason: "must not be empty"}
	}
	if !utf8.ValidString(claimText) {
		return &ValidationError{Field: "claim_text", Reason: "must be valid UTF-8"}
	}
	if len(claimText) > MaxClaimBytes {
		return &ValidationError{Field: "claim_text", Reason: "exceeds " + strconv.Itoa(MaxClaimBytes) + " bytes"}
	}
	return nil
}

// recordID derives the identifier from the fingerprint and the submission sequence.
func recordID(digest string, sequence int64) string {
	sum := sha256.Sum256([]byte(digest + ":" + strconv.FormatInt(sequence, 10)))
	return fingerprint.Prefix + hex.EncodeToString(sum[:])
}

func (s *Service) publish(eventType string, record records.Record) {
	s.events.Publish(Event{Type: eventType, Record: record, Timestamp: s.clock().UTC()})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("anchoring service error", attrs...)
}
