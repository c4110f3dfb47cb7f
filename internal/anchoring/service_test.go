package anchoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/mode"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"go.uber.org/zap"
)

const testClaim = "Free vaccines cause magnetism"

type fakeTransaction struct {
	fingerprint string
	included    bool
	reverted    bool
	blockRef    uint64
}

type fakeLedger struct {
	mu                 sync.Mutex
	healthy            bool
	submitErr          error
	waitErr            error
	onChainFingerprint string
	submissions        int
	lastVerdict        string
	transactions       map[string]*fakeTransaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{healthy: true, transactions: map[string]*fakeTransaction{}}
}

func (f *fakeLedger) Network() ledger.Network {
	network, _ := ledger.LookupNetwork("polygon_amoy")
	return network
}

func (f *fakeLedger) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeLedger) Submit(_ context.Context, digest string, verdict string, _ float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions++
	f.lastVerdict = verdict
	transactionRef := fmt.Sprintf("0x%064x", f.submissions)
	f.transactions[transactionRef] = &fakeTransaction{fingerprint: digest}
	return transactionRef, nil
}

func (f *fakeLedger) WaitForConfirmation(_ context.Context, transactionRef string, _ time.Duration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	transaction, ok := f.transactions[transactionRef]
	if !ok {
		return 0, ledger.ErrConfirmationTimeout
	}
	if transaction.reverted {
		return 0, ledger.ErrConfirmationFailed
	}
	if !transaction.included {
		return 0, ledger.ErrConfirmationTimeout
	}
	return transaction.blockRef, nil
}

func (f *fakeLedger) ReadRecord(_ context.Context, transactionRef string) (ledger.OnChainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transaction, ok := f.transactions[transactionRef]
	if !ok || !transaction.included {
		return ledger.OnChainRecord{}, ledger.ErrNotFound
	}
	onChainFingerprint := transaction.fingerprint
	if f.onChainFingerprint != "" {
		onChainFingerprint = f.onChainFingerprint
	}
	return ledger.OnChainRecord{
		TransactionRef: transactionRef,
		BlockRef:       transaction.blockRef,
		Fingerprint:    onChainFingerprint,
	}, nil
}

func (f *fakeLedger) include(transactionRef string, blockRef uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	transaction := f.transactions[transactionRef]
	transaction.included = true
	transaction.blockRef = blockRef
}

func (f *fakeLedger) revert(transactionRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[transactionRef].reverted = true
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	eventTypes := make([]string, 0, len(p.events))
	for _, event := range p.events {
		eventTypes = append(eventTypes, event.Type)
	}
	return eventTypes
}

type fakeReferences struct {
	mu    sync.Mutex
	block ledger.ReferenceBlock
	err   error
	calls int
}

func (f *fakeReferences) LatestBlock(context.Context) (ledger.ReferenceBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.block, f.err
}

type serviceFixture struct {
	service *Service
	store   *records.Store
	ledger  *fakeLedger
	events  *recordingPublisher
}

func newServiceFixture(t *testing.T, fake *fakeLedger, mutate func(*ServiceConfig)) serviceFixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "anchoring.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	modeConfig := mode.Config{Network: "polygon_amoy", HealthTTL: time.Minute}
	var anchoringLedger Ledger
	if fake != nil {
		modeConfig.Prober = fake
		anchoringLedger = fake
	}
	events := &recordingPublisher{}
	cfg := ServiceConfig{
		Store:  store,
		Ledger: anchoringLedger,
		Modes:  mode.NewController(modeConfig),
		Policy: Policy{ScoreThreshold: 0.4},
		Events: events,
		Logger: zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return serviceFixture{service: service, store: store, ledger: fake, events: events}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "anchoring.service.new.missing_store" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestAnchorLiveRecordConfirmsAndVerifies(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)
	ctx := context.Background()

	record, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if record.Mode != records.ModeLive || record.Status != records.StatusPending {
		t.Fatalf("expected live pending record, got %s/%s", record.Mode, record.Status)
	}
	if record.Network != "polygon_amoy" {
		t.Fatalf("unexpected network %q", record.Network)
	}
	if record.TransactionRef == nil || record.BlockRef != nil {
		t.Fatalf("expected transaction ref without block ref")
	}
	if record.Fingerprint != fingerprint.Fingerprint(testClaim) {
		t.Fatalf("unexpected fingerprint %q", record.Fingerprint)
	}
	if !strings.HasPrefix(record.ID, "0x") || len(record.ID) != fingerprint.EncodedLength {
		t.Fatalf("unexpected record id %q", record.ID)
	}

	fixture.ledger.include(*record.TransactionRef, 4242)

	refreshed, err := fixture.service.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if refreshed.Status != records.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", refreshed.Status)
	}
	if refreshed.BlockRef == nil || *refreshed.BlockRef != 4242 {
		t.Fatalf("unexpected block ref %v", refreshed.BlockRef)
	}
	if *refreshed.TransactionRef != *record.TransactionRef {
		t.Fatalf("transaction ref changed on confirmation")
	}

	verification, err := fixture.service.VerifyContent(ctx, record.ID, "free vaccines cause magnetism")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !verification.Matched {
		t.Fatalf("expected case-folded claim to match")
	}

	tampered, err := fixture.service.VerifyContent(ctx, record.ID, testClaim+" extra")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if tampered.Matched {
		t.Fatalf("expected modified claim not to match")
	}
	if tampered.ExpectedFingerprint == record.Fingerprint {
		t.Fatalf("expected a different fingerprint for modified claim")
	}

	gotTypes := fixture.events.types()
	if len(gotTypes) != 2 || gotTypes[0] != EventRecordAnchored || gotTypes[1] != EventRecordConfirmed {
		t.Fatalf("unexpected events %v", gotTypes)
	}
}

func TestAnchorAboveThresholdStaysLocal(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)

	record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: "The sky is blue", Verdict: records.VerdictVerified, Score: 0.85})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if record.Mode != records.ModeDemo || record.DemoReason != records.DemoReasonBelowThreshold {
		t.Fatalf("expected demo below_threshold, got %s/%s", record.Mode, record.DemoReason)
	}
	if record.Status != records.StatusConfirmed || record.Network != records.LocalNetwork {
		t.Fatalf("expected confirmed local record, got %s/%s", record.Status, record.Network)
	}
	if record.TransactionRef != nil {
		t.Fatalf("demo records carry no transaction ref")
	}
	if fixture.ledger.submissions != 0 {
		t.Fatalf("expected no ledger submission, got %d", fixture.ledger.submissions)
	}
}

func TestAnchorPolicyOverrides(t *testing.T) {
	testCases := []struct {
		name     string
		policy   Policy
		force    bool
		wantMode records.Mode
	}{
		{name: "anchor all", policy: Policy{ScoreThreshold: 0.4, AnchorAll: true}, wantMode: records.ModeLive},
		{name: "force allowed", policy: Policy{ScoreThreshold: 0.4, AllowForce: true}, force: true, wantMode: records.ModeLive},
		{name: "force ignored", policy: Policy{ScoreThreshold: 0.4}, force: true, wantMode: records.ModeDemo},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newServiceFixture(t, newFakeLedger(), func(cfg *ServiceConfig) {
				cfg.Policy = testCase.policy
			})
			record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictVerified, Score: 0.9, Force: testCase.force})
			if err != nil {
				t.Fatalf("anchor failed: %v", err)
			}
			if record.Mode != testCase.wantMode {
				t.Fatalf("expected %s, got %s", testCase.wantMode, record.Mode)
			}
		})
	}
}

func TestAnchorFallsBackToDemo(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		fixture := newServiceFixture(t, nil, nil)
		record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
		if err != nil {
			t.Fatalf("anchor failed: %v", err)
		}
		if record.Mode != records.ModeDemo || record.DemoReason != records.DemoReasonLedgerUnconfigured {
			t.Fatalf("unexpected record %s/%s", record.Mode, record.DemoReason)
		}
		if record.Status != records.StatusConfirmed || record.Network != records.LocalNetwork {
			t.Fatalf("unexpected record %s/%s", record.Status, record.Network)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		fake := newFakeLedger()
		fake.healthy = false
		fixture := newServiceFixture(t, fake, nil)
		record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
		if err != nil {
			t.Fatalf("anchor failed: %v", err)
		}
		if record.DemoReason != records.DemoReasonLedgerUnreachable {
			t.Fatalf("unexpected demo reason %q", record.DemoReason)
		}
		if fake.submissions != 0 {
			t.Fatalf("expected no submission against unhealthy ledger")
		}
	})

	t.Run("submission failed", func(t *testing.T) {
		fake := newFakeLedger()
		fake.submitErr = &ledger.SubmissionError{Reason: ledger.ReasonInsufficientFunds, Err: errors.New("insufficient funds for gas")}
		fixture := newServiceFixture(t, fake, nil)
		record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
		if err != nil {
			t.Fatalf("anchor failed: %v", err)
		}
		if record.DemoReason != records.DemoReasonSubmissionFailed {
			t.Fatalf("unexpected demo reason %q", record.DemoReason)
		}

		fake.mu.Lock()
		fake.submitErr = nil
		fake.mu.Unlock()
		next, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
		if err != nil {
			t.Fatalf("anchor failed: %v", err)
		}
		if next.Mode != records.ModeLive {
			t.Fatalf("expected live mode once the ledger recovers, got %s", next.Mode)
		}
	})
}

func TestAnchorRejectsInvalidRequests(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)
	testCases := []struct {
		name    string
		request AnchorRequest
		field   string
	}{
		{name: "empty claim", request: AnchorRequest{ClaimText: "   ", Verdict: records.VerdictDebunked, Score: 0.1}, field: "claim_text"},
		{name: "invalid utf8", request: AnchorRequest{ClaimText: "bad \xff claim", Verdict: records.VerdictDebunked, Score: 0.1}, field: "claim_text"},
		{name: "oversized claim", request: AnchorRequest{ClaimText: strings.Repeat("a", MaxClaimBytes+1), Verdict: records.VerdictDebunked, Score: 0.1}, field: "claim_text"},
		{name: "unknown verdict", request: AnchorRequest{ClaimText: testClaim, Verdict: "maybe", Score: 0.1}, field: "verdict"},
		{name: "score above one", request: AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 1.5}, field: "score"},
		{name: "negative score", request: AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: -0.1}, field: "score"},
		{name: "nan score", request: AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: math.NaN()}, field: "score"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.Anchor(context.Background(), testCase.request)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validationErr.Field != testCase.field {
				t.Fatalf("expected field %q, got %q", testCase.field, validationErr.Field)
			}
		})
	}

	list, err := fixture.service.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected requests must not be stored, found %d", len(list))
	}
}

func TestAnchorStoresNormalizedVerdict(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)

	record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: " DEBUNKED ", Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if record.Verdict != records.VerdictDebunked {
		t.Fatalf("expected normalized verdict, got %q", record.Verdict)
	}
	stored, err := fixture.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Verdict != records.VerdictDebunked {
		t.Fatalf("expected stored verdict %q, got %q", records.VerdictDebunked, stored.Verdict)
	}
	if fixture.ledger.lastVerdict != "debunked" {
		t.Fatalf("expected ledger to receive normalized verdict, got %q", fixture.ledger.lastVerdict)
	}
}

func TestDemoRecordsCarryReferenceBlock(t *testing.T) {
	references := &fakeReferences{block: ledger.ReferenceBlock{
		Number:    5123,
		Hash:      "0x" + strings.Repeat("ab", 32),
		Timestamp: time.UnixMilli(1700000000000).UTC(),
	}}
	fixture := newServiceFixture(t, nil, func(cfg *ServiceConfig) {
		cfg.References = references
	})
	ctx := context.Background()

	record, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if record.Mode != records.ModeDemo || record.Status != records.StatusConfirmed || record.TransactionRef != nil || record.BlockRef != nil {
		t.Fatalf("expected plain demo record, got %+v", record)
	}
	stored, err := fixture.service.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ReferenceBlock == nil || *stored.ReferenceBlock != 5123 {
		t.Fatalf("expected reference block 5123, got %v", stored.ReferenceBlock)
	}
	if stored.ReferenceBlockHash == nil || *stored.ReferenceBlockHash != references.block.Hash {
		t.Fatalf("unexpected reference hash %v", stored.ReferenceBlockHash)
	}
	if observedAt, ok := stored.ReferenceBlockAt(); !ok || !observedAt.Equal(references.block.Timestamp) {
		t.Fatalf("unexpected reference time %v", observedAt)
	}

	aboveThreshold, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: "Water is wet", Verdict: records.VerdictVerified, Score: 0.9})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if aboveThreshold.ReferenceBlock != nil {
		t.Fatalf("records outside the anchoring policy must not be stamped")
	}
	if references.calls != 1 {
		t.Fatalf("expected one head lookup, got %d", references.calls)
	}
}

func TestDemoRecordWithoutReferenceWhenHeadUnavailable(t *testing.T) {
	references := &fakeReferences{err: errors.New("dial tcp: connection refused")}
	fixture := newServiceFixture(t, nil, func(cfg *ServiceConfig) {
		cfg.References = references
	})

	record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor must not fail when the head is unavailable: %v", err)
	}
	if record.ReferenceBlock != nil || record.ReferenceBlockHash != nil || record.ReferenceBlockAtMillis != nil {
		t.Fatalf("expected unstamped record, got %+v", record)
	}
	if record.Status != records.StatusConfirmed || record.Network != records.LocalNetwork {
		t.Fatalf("expected confirmed local record, got %+v", record)
	}
}

func TestAnchorSameClaimTwiceYieldsDistinctRecords(t *testing.T) {
	fixture := newServiceFixture(t, nil, nil)
	ctx := context.Background()

	first, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	second, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: "  free VACCINES   cause magnetism ", Verdict: records.VerdictInvestigating, Score: 0.3})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct record ids")
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("expected equal fingerprints for equivalent claims")
	}
	if second.Sequence <= first.Sequence || second.AnchoredAtMillis < first.AnchoredAtMillis {
		t.Fatalf("expected increasing sequence and non-decreasing timestamps")
	}

	found, err := fixture.service.FindByContent(ctx, testClaim)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(found) != 2 || found[0].ID != second.ID || found[1].ID != first.ID {
		t.Fatalf("expected both records newest first, got %+v", found)
	}
}

func TestGetByIDUnknownAndMalformed(t *testing.T) {
	fixture := newServiceFixture(t, nil, nil)

	_, err := fixture.service.GetByID(context.Background(), "0x"+strings.Repeat("0", 64))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = fixture.service.GetByID(context.Background(), "  ")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = fixture.service.VerifyContent(context.Background(), "0x"+strings.Repeat("1", 64), testClaim)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetByIDKeepsPendingWhenLedgerUnavailable(t *testing.T) {
	fake := newFakeLedger()
	fixture := newServiceFixture(t, fake, nil)
	ctx := context.Background()

	record, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	fake.mu.Lock()
	fake.waitErr = errors.New("dial tcp: connection refused")
	fake.mu.Unlock()

	for i := 0; i < 3; i++ {
		cached, err := fixture.service.GetByID(ctx, record.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if cached.Status != records.StatusPending || cached.ReconcileAttempts != 0 {
			t.Fatalf("expected untouched pending record, got %s after %d attempts", cached.Status, cached.ReconcileAttempts)
		}
	}
}

func TestGetByIDIsStableForSettledRecords(t *testing.T) {
	fixture := newServiceFixture(t, nil, nil)
	ctx := context.Background()

	record, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	first, err := fixture.service.GetByID(ctx, strings.ToUpper(record.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	second, err := fixture.service.GetByID(ctx, record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first.ID != second.ID || first.Status != second.Status || first.AnchoredAtMillis != second.AnchoredAtMillis {
		t.Fatalf("repeated reads disagree: %+v vs %+v", first, second)
	}
}

func TestAnchorSurvivesCallerCancellation(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	stored, err := fixture.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("expected record to be persisted, got %v", err)
	}
	if stored.Status != records.StatusPending || stored.TransactionRef == nil {
		t.Fatalf("expected pending live record, got %s", stored.Status)
	}
}

func TestAnchorWaitsForConfirmationWhenConfigured(t *testing.T) {
	fake := newFakeLedger()
	fixture := newServiceFixture(t, fake, func(cfg *ServiceConfig) {
		cfg.ConfirmWait = time.Second
		cfg.Events = &autoIncludePublisher{ledger: fake}
	})

	record, err := fixture.service.Anchor(context.Background(), AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12})
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if record.Status != records.StatusConfirmed || record.BlockRef == nil || *record.BlockRef != 7 {
		t.Fatalf("expected confirmed record at block 7, got %s", record.Status)
	}
}

type autoIncludePublisher struct {
	ledger *fakeLedger
}

func (p *autoIncludePublisher) Publish(event Event) {
	if event.Type == EventRecordAnchored && event.Record.TransactionRef != nil {
		p.ledger.include(*event.Record.TransactionRef, 7)
	}
}

func TestStatusReportsModeAndCounts(t *testing.T) {
	fixture := newServiceFixture(t, newFakeLedger(), nil)
	ctx := context.Background()

	if _, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: testClaim, Verdict: records.VerdictDebunked, Score: 0.12}); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if _, err := fixture.service.Anchor(ctx, AnchorRequest{ClaimText: "Water is wet", Verdict: records.VerdictVerified, Score: 0.95}); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}

	status, err := fixture.service.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Mode.Mode != records.ModeLive || !status.Mode.Reachable {
		t.Fatalf("expected live reachable mode, got %+v", status.Mode)
	}
	if status.Network.ChainID != 80002 {
		t.Fatalf("unexpected network %+v", status.Network)
	}
	if status.Stats.Total != 2 || status.Stats.ByMode[records.ModeLive] != 1 || status.Stats.ByMode[records.ModeDemo] != 1 {
		t.Fatalf("unexpected stats %+v", status.Stats)
	}
	if status.Policy.ScoreThreshold != 0.4 {
		t.Fatalf("unexpected policy %+v", status.Policy)
	}
}

func TestExplorerURL(t *testing.T) {
	transactionRef := "0x" + strings.Repeat("ab", 32)
	live := records.Record{Mode: records.ModeLive, Network: "polygon_amoy", TransactionRef: &transactionRef}
	if got := ExplorerURL(live); got != "https://amoy.polygonscan.com/tx/"+transactionRef {
		t.Fatalf("unexpected explorer url %q", got)
	}
	demo := records.Record{Mode: records.ModeDemo, Network: records.LocalNetwork}
	if got := ExplorerURL(demo); got != "" {
		t.Fatalf("expected no explorer url for demo record, got %q", got)
	}
}
