package settlement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisim/farmify/internal/auditlog"
	"github.com/travisim/farmify/internal/docstore"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/lock"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
	"github.com/travisim/farmify/internal/storage"
	"github.com/travisim/farmify/internal/storage/sqlite"
	"github.com/travisim/farmify/internal/transfer"
)

const (
	operator = "farmer-1"
	treasury = "treasury-1"
	verifier = "notary-1"
	platform = "platform"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type setup struct {
	options      Options
	auditLimit   int
	contributors []models.ContributorShare
	wrap         func(transfer.Ledger) transfer.Ledger
	wrapStore    func(storage.Store) storage.Store
}

type fixture struct {
	engine   *Engine
	store    *sqlite.SQLiteStore
	docs     *docstore.Memory
	audit    *auditlog.Memory
	keys     *auditlog.StaticKeyring
	ledger   *transfer.Memory
	registry *prometheus.Registry
	project  *models.Project
}

func share(identity, pct string) models.ContributorShare {
	return models.ContributorShare{
		Identity:          identity,
		ContributedAmount: money.MustNew("1000", "USD"),
		SharePercentage:   decimal.RequireFromString(pct),
	}
}

func newFixture(t *testing.T, mutators ...func(*setup)) *fixture {
	t.Helper()

	cfg := setup{
		options: Options{
			PlatformIdentity:     platform,
			FeeMode:              models.FeeModeRetained,
			DefaultPlatformFee:   decimal.RequireFromString("0.2"),
			DefaultOperatorShare: decimal.RequireFromString("0.4"),
			DocumentStoreTimeout: time.Second,
			AuditLedgerTimeout:   time.Second,
			TransferTimeout:      time.Second,
			Now:                  func() time.Time { return fixedNow },
		},
		auditLimit:   4096,
		contributors: []models.ContributorShare{share("alice", "0.6"), share("bob", "0.4")},
	}
	for _, m := range mutators {
		m(&cfg)
	}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys, err := auditlog.NewKeyring(nil, "engine-test-secret")
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		docs:     docstore.NewMemory(0),
		keys:     keys,
		audit:    auditlog.NewMemory(keys, cfg.auditLimit),
		ledger:   transfer.NewMemory(),
		registry: prometheus.NewRegistry(),
	}

	f.ledger.Provision(treasury, money.MustNew("1000000", "USD"))
	f.ledger.Provision(operator, money.Zero("USD"))
	f.ledger.Provision(platform, money.Zero("USD"))
	for _, c := range cfg.contributors {
		f.ledger.Provision(c.Identity, money.Zero("USD"))
	}

	var ledger transfer.Ledger = f.ledger
	if cfg.wrap != nil {
		ledger = cfg.wrap(ledger)
	}

	var backing storage.Store = store
	if cfg.wrapStore != nil {
		backing = cfg.wrapStore(backing)
	}

	f.engine, err = New(Deps{
		Store:     backing,
		Documents: f.docs,
		Audit:     f.audit,
		Transfers: ledger,
		Locker:    lock.NewMemory(),
		Metrics:   NewMetrics(f.registry),
	}, cfg.options)
	require.NoError(t, err)

	f.project, err = f.engine.RegisterProject(context.Background(), RegisterProjectInput{
		Name:             "Cassava field east",
		OperatorIdentity: operator,
		TreasuryIdentity: treasury,
		Asset:            "USD",
		Contributors:     cfg.contributors,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, revenue string, doc []byte) *models.Settlement {
	t.Helper()
	s, err := f.engine.SubmitProof(context.Background(), SubmitProofInput{
		OperatorIdentity: operator,
		ProjectID:        f.project.ID,
		ReportedRevenue:  money.MustNew(revenue, "USD"),
		Evidence:         doc,
	})
	require.NoError(t, err)
	return s
}

func verifyInput(s *models.Settlement, accept bool) VerifyProofInput {
	return VerifyProofInput{
		VerifierIdentity:  verifier,
		ProjectID:         s.ProjectID,
		ReportedRevenue:   s.ReportedRevenue,
		EvidenceReference: s.EvidenceReference,
		EvidenceDigest:    s.EvidenceDigest,
		Decision:          Decision{Accept: accept, Reason: "amount implausible"},
	}
}

// verified runs submit and an accepting verification.
func (f *fixture) verified(t *testing.T, revenue string) *models.Settlement {
	t.Helper()
	s := f.submit(t, revenue, []byte("sales ledger "+revenue))
	res, err := f.engine.VerifyProof(context.Background(), verifyInput(s, true))
	require.NoError(t, err)
	require.True(t, res.Verified)
	return res.Settlement
}

func assertMoney(t *testing.T, want string, got money.Money) {
	t.Helper()
	assert.True(t, got.Equal(money.MustNew(want, "USD")), "want %s USD, got %s", want, got)
}

func TestHappyPath58500(t *testing.T) {
	f := newFixture(t, func(s *setup) {
		s.contributors = []models.ContributorShare{share("alice", "1")}
	})
	ctx := context.Background()
	doc := []byte("harvest sales 2026-03: 58500 USD")

	s := f.submit(t, "58500", doc)
	assert.Equal(t, models.StateProofSubmitted, s.State)
	assert.True(t, f.docs.Pinned(docstore.Address(s.EvidenceReference)))
	assert.True(t, s.HasAudit(AuditSubmission))

	proofs := f.audit.EntriesOfType("settlement_proof")
	require.Len(t, proofs, 1)
	fields := proofs[0].GetFields()
	assert.Equal(t, f.project.ID, fields["projectId"].GetStringValue())
	assert.Equal(t, s.EvidenceDigest, fields["evidenceDigest"].GetStringValue())
	assert.Equal(t, "58500", fields["reportedRevenue"].GetStructValue().GetFields()["amount"].GetStringValue())

	res, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.StateVerified, res.Settlement.State)
	assert.Equal(t, s.EvidenceDigest, res.Settlement.VerifiedDigest)
	require.NotNil(t, res.Preview)
	assertMoney(t, "11700", res.Preview.PlatformFee.Amount)
	assertMoney(t, "18720", res.Preview.OperatorPayout.Amount)
	assertMoney(t, "28080", res.Preview.ContributorPayouts[0].Amount)

	notarized := f.audit.EntriesOfType("settlement_proof")
	require.Len(t, notarized, 2)
	assert.Equal(t, verifier, notarized[1].GetFields()["adminVerifierAddress"].GetStringValue())
	assert.Equal(t, "2026-03-14T09:30:00Z", notarized[1].GetFields()["verificationDate"].GetStringValue())
	for _, entry := range f.audit.Entries() {
		assert.NoError(t, auditlog.Verify(f.keys, entry))
	}

	report, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StateDistributionComplete, report.Settlement.State)
	require.Len(t, report.Attempts, 2)
	assert.Empty(t, report.Failed())

	paid, _ := f.ledger.Balance("alice", "USD")
	assertMoney(t, "28080", paid)
	paid, _ = f.ledger.Balance(operator, "USD")
	assertMoney(t, "18720", paid)
	fee, _ := f.ledger.Balance(platform, "USD")
	assert.True(t, fee.IsZero(), "retained fee must not be transferred")

	summary := f.audit.EntriesOfType(AuditDistribution)
	require.Len(t, summary, 1)
	assertMoney(t, "28080", money.MustNew(summary[0].GetFields()["totalContributorPayout"].GetStructValue().GetFields()["amount"].GetStringValue(), "USD"))
	assert.Len(t, summary[0].GetFields()["perRecipientOutcomes"].GetListValue().GetValues(), 2)

	for _, b := range report.Balances {
		assert.True(t, b.Due.IsZero(), "%s still due %s", b.Recipient, b.Due)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.operations.WithLabelValues("distribute", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.engine.metrics.transfers.WithLabelValues("operator", "success"))+
		testutil.ToFloat64(f.engine.metrics.transfers.WithLabelValues("contributor", "success")))
}

func TestDistributeTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "10000")

	_, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	settled := len(f.ledger.Settled())

	_, err = f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)
	assert.Len(t, f.ledger.Settled(), settled)
	assert.Len(t, f.audit.EntriesOfType(AuditDistribution), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.operations.WithLabelValues("distribute", "invalid_state")))
}

func TestContributorSplit(t *testing.T) {
	// Pool of 10000: revenue 10000 / (0.8 * 0.6) with fee 0.2 and operator 0.4.
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "20833.333333333333")

	d, err := f.engine.ComputeWaterfall(ctx, f.project.ID)
	require.NoError(t, err)
	assertMoney(t, "6000", d.ContributorPayouts[0].Amount)
	assertMoney(t, "4000", d.ContributorPayouts[1].Amount)
}

func TestVerifyTamperedEvidenceRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.submit(t, "5000", []byte("original evidence"))
	require.NoError(t, f.docs.Tamper(docstore.Address(s.EvidenceReference), []byte("original evidencf")))

	res, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	assert.True(t, errors.ErrIntegrity.Is(err), "got %v", err)
	require.NotNil(t, res)
	assert.False(t, res.Verified)
	assert.Equal(t, models.StateRejected, res.Settlement.State)
	require.NotNil(t, res.Settlement.Rejection)
	assert.Equal(t, models.CheckDigestMismatch, res.Settlement.Rejection.Check)
	assert.Equal(t, s.EvidenceDigest, res.Settlement.Rejection.Expected)
	assert.NotEqual(t, s.EvidenceDigest, res.Settlement.Rejection.Actual)

	rejections := f.audit.EntriesOfType(AuditRejection)
	require.Len(t, rejections, 1)
	assert.Equal(t, models.CheckDigestMismatch, rejections[0].GetFields()["check"].GetStringValue())

	// Terminal: nothing moves the settlement again.
	_, err = f.engine.VerifyProof(ctx, verifyInput(s, true))
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)
	_, err = f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)
	_, err = f.engine.ComputeWaterfall(ctx, f.project.ID)
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)

	stored, err := f.store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, stored.State)
	assert.Nil(t, stored.Distribution)
}

func TestVerifyPolicyRejection(t *testing.T) {
	f := newFixture(t)
	s := f.submit(t, "5000", []byte("evidence"))

	res, err := f.engine.VerifyProof(context.Background(), verifyInput(s, false))
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, models.StateRejected, res.Settlement.State)
	assert.Equal(t, models.CheckPolicy, res.Settlement.Rejection.Check)
	assert.Equal(t, "amount implausible", res.Settlement.Rejection.Reason)
	assert.Equal(t, s.EvidenceDigest, res.Settlement.VerifiedDigest)
	assert.Len(t, f.audit.EntriesOfType(AuditRejection), 1)
}

func TestVerifyRejectionAuditIsReemitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.submit(t, "5000", []byte("evidence"))
	require.NoError(t, f.docs.Tamper(docstore.Address(s.EvidenceReference), []byte("forged")))
	f.audit.FailNext(errors.Wrap(errors.ErrTransient, "ledger unreachable"))

	_, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	assert.True(t, errors.ErrTransient.Is(err), "got %v", err)
	stored, err := f.store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, stored.State)
	assert.False(t, stored.HasAudit(AuditRejection))

	res, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	require.NoError(t, err)
	assert.True(t, res.Settlement.HasAudit(AuditRejection))
	assert.Len(t, f.audit.EntriesOfType(AuditRejection), 1)
}

// flakyStore fails the first write that moves a settlement into failState.
type flakyStore struct {
	storage.Store
	failState models.State
	failed    bool
}

func (s *flakyStore) UpdateSettlement(ctx context.Context, settlement *models.Settlement) error {
	if settlement.State == s.failState && !s.failed {
		s.failed = true
		return errors.Wrap(errors.ErrTransient, "sqlite busy")
	}
	return s.Store.UpdateSettlement(ctx, settlement)
}

func TestVerifyRetryAfterStateWriteFailure(t *testing.T) {
	flaky := &flakyStore{failState: models.StateVerified}
	f := newFixture(t, func(s *setup) {
		s.wrapStore = func(inner storage.Store) storage.Store {
			flaky.Store = inner
			return flaky
		}
	})
	ctx := context.Background()
	s := f.submit(t, "10000", []byte("sales ledger"))

	_, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	assert.True(t, errors.ErrTransient.Is(err), "got %v", err)

	stored, err := f.engine.GetSettlement(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProofSubmitted, stored.State)
	assert.True(t, stored.HasAudit(AuditVerification))

	_, err = f.engine.VerifyProof(ctx, verifyInput(s, false))
	assert.True(t, errors.ErrInvalidState.Is(err), "rejecting a notarized proof: got %v", err)

	res, err := f.engine.VerifyProof(ctx, verifyInput(s, true))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.StateVerified, res.Settlement.State)
	assert.Equal(t, verifier, res.Settlement.VerifierIdentity)

	var verifications int
	for _, a := range res.Settlement.AuditReceipts {
		if a.Kind == AuditVerification {
			verifications++
		}
	}
	assert.Equal(t, 1, verifications)
	// One submission record and one notarized verification record.
	assert.Len(t, f.audit.EntriesOfType("settlement_proof"), 2)
}

func TestVerifierSeparationOfDuties(t *testing.T) {
	f := newFixture(t)
	s := f.submit(t, "5000", []byte("evidence"))

	in := verifyInput(s, true)
	in.VerifierIdentity = operator
	_, err := f.engine.VerifyProof(context.Background(), in)
	assert.True(t, errors.ErrUnauthorized.Is(err), "got %v", err)

	current, err := f.engine.GetSettlement(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProofSubmitted, current.State)
}

func TestVerifyInputMustMatchSubmission(t *testing.T) {
	f := newFixture(t)
	s := f.submit(t, "5000", []byte("evidence"))

	cases := map[string]func(*VerifyProofInput){
		"reference": func(in *VerifyProofInput) { in.EvidenceReference = "mem://local/other" },
		"digest":    func(in *VerifyProofInput) { in.EvidenceDigest = "sha3-256:00" },
		"revenue":   func(in *VerifyProofInput) { in.ReportedRevenue = money.MustNew("5001", "USD") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := verifyInput(s, true)
			mutate(&in)
			_, err := f.engine.VerifyProof(context.Background(), in)
			assert.True(t, errors.ErrInvalidInput.Is(err), "got %v", err)
		})
	}

	current, err := f.engine.GetSettlement(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProofSubmitted, current.State)
}

func TestSubmitProofDocumentStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := SubmitProofInput{
		OperatorIdentity: operator,
		ProjectID:        f.project.ID,
		ReportedRevenue:  money.MustNew("5000", "USD"),
		Evidence:         []byte("evidence"),
	}

	f.docs.FailNext("pin", errors.Wrap(errors.ErrTransient, "gateway timeout"))
	_, err := f.engine.SubmitProof(ctx, in)
	assert.True(t, errors.IsRetryable(err), "got %v", err)

	draft, err := f.engine.GetSettlement(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNoProof, draft.State)
	assert.Empty(t, f.audit.Entries(), "no audit record may reference unstored content")

	s, err := f.engine.SubmitProof(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, s.ID)
	assert.Equal(t, models.StateProofSubmitted, s.State)
	assert.Len(t, f.audit.EntriesOfType("settlement_proof"), 1)
}

func TestSubmitProofAuditFailureResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := SubmitProofInput{
		OperatorIdentity: operator,
		ProjectID:        f.project.ID,
		ReportedRevenue:  money.MustNew("5000", "USD"),
		Evidence:         []byte("evidence"),
	}

	f.audit.FailNext(errors.Wrap(errors.ErrSignature, "signer rejected"))
	_, err := f.engine.SubmitProof(ctx, in)
	assert.True(t, errors.ErrSignature.Is(err), "got %v", err)

	draft, err := f.engine.GetSettlement(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNoProof, draft.State)
	assert.NotEmpty(t, draft.EvidenceReference)

	s, err := f.engine.SubmitProof(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.StateProofSubmitted, s.State)
	assert.Len(t, s.AuditReceipts, 1)
}

func TestSubmitProofGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := SubmitProofInput{
		OperatorIdentity: operator,
		ProjectID:        f.project.ID,
		ReportedRevenue:  money.MustNew("5000", "USD"),
		Evidence:         []byte("evidence"),
	}

	tests := []struct {
		name   string
		mutate func(*SubmitProofInput)
		kind   *errors.Error
	}{
		{"wrong operator", func(in *SubmitProofInput) { in.OperatorIdentity = "someone" }, errors.ErrUnauthorized},
		{"other asset", func(in *SubmitProofInput) { in.ReportedRevenue = money.MustNew("5000", "EUR") }, errors.ErrCrossAsset},
		{"zero revenue", func(in *SubmitProofInput) { in.ReportedRevenue = money.Zero("USD") }, errors.ErrInvalidInput},
		{"empty evidence", func(in *SubmitProofInput) { in.Evidence = nil }, errors.ErrInvalidInput},
		{"unknown project", func(in *SubmitProofInput) { in.ProjectID = "nope" }, errors.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			_, err := f.engine.SubmitProof(ctx, in)
			assert.True(t, tc.kind.Is(err), "got %v", err)
		})
	}

	f.submit(t, "5000", []byte("evidence"))
	_, err := f.engine.SubmitProof(ctx, valid)
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)
}

func TestOperatorTransferFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "10000")
	f.ledger.FailFor(operator, errors.Wrap(errors.ErrTransient, "ledger timeout"))

	report, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StateDistributionComplete, report.Settlement.State)
	require.Len(t, report.Attempts, 3)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, operator, failed[0].Recipient)
	assert.Equal(t, models.OutcomeFailure, failed[0].Outcome)
	assert.Contains(t, failed[0].Error, "ledger timeout")
	for _, r := range report.Attempts[1:] {
		assert.Equal(t, models.OutcomeSuccess, r.Outcome)
	}

	// Retry pays only the failed line, with a new attempt number.
	f.ledger.FailFor(operator, nil)
	retry, err := f.engine.RetryFailedTransfers(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, retry.Attempts, 1)
	assert.Equal(t, 0, retry.Attempts[0].Line)
	assert.Equal(t, 2, retry.Attempts[0].Attempt)
	assert.Equal(t, models.OutcomeSuccess, retry.Attempts[0].Outcome)
	assert.Len(t, f.audit.EntriesOfType(AuditDistributionRetry), 1)

	paid, _ := f.ledger.Balance(operator, "USD")
	assertMoney(t, "3200", paid)

	again, err := f.engine.RetryFailedTransfers(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Attempts)
	assert.Len(t, f.audit.EntriesOfType(AuditDistributionRetry), 1)

	stored, err := f.store.GetSettlement(ctx, report.Settlement.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Receipts, 4)
}

func TestRetryAuditFailureIsRecordedOnNextRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "10000")
	f.ledger.FailFor(operator, errors.Wrap(errors.ErrTransient, "ledger timeout"))
	_, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)

	f.ledger.FailFor(operator, nil)
	f.audit.FailNext(errors.Wrap(errors.ErrTransient, "audit timeout"))
	_, err = f.engine.RetryFailedTransfers(ctx, f.project.ID)
	assert.True(t, errors.ErrTransient.Is(err), "got %v", err)
	assert.Empty(t, f.audit.EntriesOfType(AuditDistributionRetry))

	// The payout went through; the next retry has nothing to pay but still
	// owes the record for it.
	paid, _ := f.ledger.Balance(operator, "USD")
	assertMoney(t, "3200", paid)

	again, err := f.engine.RetryFailedTransfers(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Attempts)

	records := f.audit.EntriesOfType(AuditDistributionRetry)
	require.Len(t, records, 1)
	outcomes := records[0].GetFields()["perRecipientOutcomes"].GetListValue().GetValues()
	require.Len(t, outcomes, 1)
	recorded := outcomes[0].GetStructValue().GetFields()
	assert.Equal(t, operator, recorded["recipient"].GetStringValue())
	assert.Equal(t, float64(2), recorded["attempt"].GetNumberValue())
	assert.Equal(t, string(models.OutcomeSuccess), recorded["outcome"].GetStringValue())

	_, err = f.engine.RetryFailedTransfers(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, f.audit.EntriesOfType(AuditDistributionRetry), 1)

	stored, err := f.store.GetSettlement(ctx, again.Settlement.ID)
	require.NoError(t, err)
	last := stored.AuditReceipts[len(stored.AuditReceipts)-1]
	assert.Equal(t, AuditDistributionRetry, last.Kind)
	assert.Equal(t, 4, last.Covers)
}

func TestRetryRequiresCompletedDistribution(t *testing.T) {
	f := newFixture(t)
	f.verified(t, "10000")
	_, err := f.engine.RetryFailedTransfers(context.Background(), f.project.ID)
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)
}

func TestTransferredPlatformFee(t *testing.T) {
	f := newFixture(t, func(s *setup) { s.options.FeeMode = models.FeeModeTransfer })
	f.verified(t, "10000")

	report, err := f.engine.Distribute(context.Background(), DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	require.Len(t, report.Attempts, 4)
	assert.Equal(t, models.PayoutPlatform, report.Attempts[3].Role)

	fee, _ := f.ledger.Balance(platform, "USD")
	assertMoney(t, "2000", fee)
	left, _ := f.ledger.Balance(treasury, "USD")
	assertMoney(t, "990000", left)
}

func TestParallelDistribution(t *testing.T) {
	contributors := []models.ContributorShare{
		share("c1", "0.25"), share("c2", "0.25"), share("c3", "0.25"), share("c4", "0.25"),
	}
	f := newFixture(t, func(s *setup) {
		s.options.Parallelism = 3
		s.contributors = contributors
	})
	f.verified(t, "10000")
	f.ledger.FailFor("c3", errors.Wrap(errors.ErrNotProvisioned, "no trustline"))

	report, err := f.engine.Distribute(context.Background(), DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Len(t, report.Attempts, 5)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "c3", report.Failed()[0].Recipient)
	assert.Len(t, f.ledger.Settled(), 4)

	for _, c := range []string{"c1", "c2", "c4"} {
		paid, _ := f.ledger.Balance(c, "USD")
		assertMoney(t, "1200", paid)
	}
}

// cancelOnFirst cancels the run's context as soon as the first transfer is
// submitted.
type cancelOnFirst struct {
	transfer.Ledger
	cancel context.CancelFunc
}

func (c *cancelOnFirst) Transfer(ctx context.Context, req transfer.Request) (*transfer.Receipt, error) {
	c.cancel()
	return c.Ledger.Transfer(ctx, req)
}

func TestCancelledDistributionSkipsUnsubmittedLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(s *setup) {
		s.wrap = func(l transfer.Ledger) transfer.Ledger { return &cancelOnFirst{Ledger: l, cancel: cancel} }
	})
	f.verified(t, "10000")

	report, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StateDistributionComplete, report.Settlement.State)
	require.Len(t, report.Attempts, 3)

	// The submitted transfer completed despite the cancellation.
	assert.Equal(t, models.OutcomeSuccess, report.Attempts[0].Outcome)
	for _, r := range report.Attempts[1:] {
		assert.Equal(t, models.OutcomeSkipped, r.Outcome)
		assert.Contains(t, r.Error, "cancelled")
	}
	assert.Len(t, f.ledger.Settled(), 1)

	retry, err := f.engine.RetryFailedTransfers(context.Background(), f.project.ID)
	require.NoError(t, err)
	assert.Len(t, retry.Attempts, 2)
	assert.Empty(t, retry.Failed())
	assert.Len(t, f.ledger.Settled(), 3)
}

func TestDistributeResumesInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "10000")

	// Simulate a crash after the operator line was paid and recorded.
	_, err := f.engine.ComputeWaterfall(ctx, f.project.ID)
	require.NoError(t, err)
	s, err := f.store.CurrentSettlement(ctx, f.project.ID)
	require.NoError(t, err)
	s.State = models.StateDistributionInProgress
	require.NoError(t, f.store.UpdateSettlement(ctx, s))
	require.NoError(t, f.store.AppendTransferReceipt(ctx, s.ID, models.TransferReceipt{
		Line: 0, Attempt: 1, Recipient: operator, Role: models.PayoutOperator,
		Amount: s.Distribution.OperatorPayout.Amount, Outcome: models.OutcomeSuccess, Reference: "before-crash",
	}))

	report, err := f.engine.Distribute(ctx, DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StateDistributionComplete, report.Settlement.State)
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, 1, report.Attempts[0].Line)
	assert.Equal(t, 2, report.Attempts[1].Line)
	assert.Equal(t, []string{s.ID + "/1/1", s.ID + "/2/1"}, f.ledger.Settled())

	outcomes := f.audit.EntriesOfType(AuditDistribution)[0].GetFields()["perRecipientOutcomes"].GetListValue().GetValues()
	assert.Len(t, outcomes, 3)
}

func TestLargeDistributionSummaryIsStoredOffLedger(t *testing.T) {
	var contributors []models.ContributorShare
	for _, id := range []string{"c01", "c02", "c03", "c04", "c05", "c06", "c07", "c08", "c09", "c10",
		"c11", "c12", "c13", "c14", "c15", "c16", "c17", "c18", "c19", "c20"} {
		contributors = append(contributors, share(id, "0.05"))
	}
	f := newFixture(t, func(s *setup) {
		s.auditLimit = 1000
		s.contributors = contributors
	})
	f.verified(t, "10000")

	report, err := f.engine.Distribute(context.Background(), DistributeInput{ProjectID: f.project.ID})
	require.NoError(t, err)

	var receipt models.AuditReceipt
	for _, a := range report.Settlement.AuditReceipts {
		if a.Kind == AuditDistribution {
			receipt = a
		}
	}
	require.NotEmpty(t, receipt.DocumentReference)
	addr := docstore.Address(receipt.DocumentReference)
	assert.True(t, f.docs.Pinned(addr))

	pointer := f.audit.EntriesOfType(AuditDistribution)
	require.Len(t, pointer, 1)
	assert.Equal(t, receipt.DocumentReference, pointer[0].GetFields()["summaryReference"].GetStringValue())
	assert.NotContains(t, pointer[0].GetFields(), "perRecipientOutcomes")

	raw, err := f.docs.Get(context.Background(), addr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "perRecipientOutcomes")
	assert.Contains(t, string(raw), "c20")
}

func TestComputeWaterfallIsStoredOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "10000", []byte("evidence"))

	_, err := f.engine.ComputeWaterfall(ctx, f.project.ID)
	assert.True(t, errors.ErrInvalidState.Is(err), "got %v", err)

	s, err := f.engine.GetSettlement(ctx, f.project.ID)
	require.NoError(t, err)
	_, err = f.engine.VerifyProof(ctx, verifyInput(s, true))
	require.NoError(t, err)

	first, err := f.engine.ComputeWaterfall(ctx, f.project.ID)
	require.NoError(t, err)
	second, err := f.engine.ComputeWaterfall(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)
	assertMoney(t, "2000", first.PlatformFee.Amount)
	assertMoney(t, "3200", first.OperatorPayout.Amount)
	assertMoney(t, "0", first.Residual)
}

func TestConcurrentDistributeRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.verified(t, "10000")
	f.ledger.SetLatency(10 * time.Millisecond)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.engine.Distribute(context.Background(), DistributeInput{ProjectID: f.project.ID})
			errs <- err
		}()
	}

	var ok, invalid int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.ErrInvalidState.Is(err):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
	assert.Len(t, f.ledger.Settled(), 3)
}

func TestRegisterProjectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fee := decimal.RequireFromString("0.1")
	p, err := f.engine.RegisterProject(ctx, RegisterProjectInput{
		Name:                  "Orchard",
		OperatorIdentity:      "farmer-2",
		TreasuryIdentity:      "treasury-2",
		Asset:                 "USD",
		PlatformFeePercentage: &fee,
		Contributors:          []models.ContributorShare{share("alice", "1")},
	})
	require.NoError(t, err)
	assert.True(t, p.PlatformFeePercentage.Equal(fee))
	assert.True(t, p.OperatorSharePercentage.Equal(decimal.RequireFromString("0.4")))

	bad := []RegisterProjectInput{
		{Name: "Shares", OperatorIdentity: "o", TreasuryIdentity: "t", Asset: "USD",
			Contributors: []models.ContributorShare{share("a", "0.5"), share("b", "0.4")}},
		{Name: "Zero", OperatorIdentity: "o", TreasuryIdentity: "t", Asset: "USD",
			Contributors: []models.ContributorShare{share("a", "1"), share("b", "0")}},
		{Name: "Asset", OperatorIdentity: "o", TreasuryIdentity: "t", Asset: "usd"},
		{Name: "Same", OperatorIdentity: "o", TreasuryIdentity: "o", Asset: "USD"},
	}
	for _, in := range bad {
		_, err := f.engine.RegisterProject(ctx, in)
		assert.True(t, errors.ErrConfiguration.Is(err), "%s: got %v", in.Name, err)
	}

	projects, err := f.engine.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestPreviewWaterfall(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.PreviewWaterfall(PreviewInput{
		Revenue:          money.MustNew("58500", "USD"),
		OperatorIdentity: operator,
		Contributors:     []models.ContributorShare{share("alice", "1")},
	})
	require.NoError(t, err)
	assertMoney(t, "11700", d.PlatformFee.Amount)
	assertMoney(t, "18720", d.OperatorPayout.Amount)
	assertMoney(t, "28080", d.ContributorPayouts[0].Amount)
	assert.Equal(t, fixedNow.Unix(), d.ComputedAt)

	_, err = f.engine.PreviewWaterfall(PreviewInput{
		Revenue:      money.MustNew("100", "USD"),
		Contributors: []models.ContributorShare{share("alice", "0.7")},
	})
	assert.True(t, errors.ErrConfiguration.Is(err), "got %v", err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{PlatformIdentity: platform})
	assert.True(t, errors.ErrConfiguration.Is(err), "got %v", err)
}
