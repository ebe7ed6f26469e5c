package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/auditlog"
	"github.com/travisim/farmify/internal/auth"
	"github.com/travisim/farmify/internal/docstore"
	farmerrors "github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/lock"
	"github.com/travisim/farmify/internal/middleware"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
	"github.com/travisim/farmify/internal/settlement"
	"github.com/travisim/farmify/internal/storage/sqlite"
	"github.com/travisim/farmify/internal/transfer"
	"github.com/travisim/farmify/pkg/api"
	"github.com/travisim/farmify/pkg/api/apiconnect"
)

type testServer struct {
	settlement apiconnect.SettlementServiceClient
	auth       apiconnect.AuthServiceClient
	docs       *docstore.Memory
	ledger     *transfer.Memory
	jwt        *auth.JWTManager
}

// setupTestServer creates a test server with the settlement and auth
// services behind the same interceptors the server uses.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.New(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys, err := auditlog.NewKeyring(nil, "service-test-secret")
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}

	ts := &testServer{
		docs:   docstore.NewMemory(0),
		ledger: transfer.NewMemory(),
		jwt:    auth.NewJWTManager("service-test-secret", time.Hour),
	}
	ts.ledger.Provision("treasury-1", money.MustNew("1000000", "USD"))
	for _, id := range []string{"farmer-1", "alice", "bob", "platform"} {
		ts.ledger.Provision(id, money.Zero("USD"))
	}

	engine, err := settlement.New(settlement.Deps{
		Store:     store,
		Documents: ts.docs,
		Audit:     auditlog.NewMemory(keys, 4096),
		Transfers: ts.ledger,
		Locker:    lock.NewMemory(),
		Metrics:   settlement.NewMetrics(prometheus.NewRegistry()),
		Logger:    logger,
	}, settlement.Options{
		PlatformIdentity:     "platform",
		FeeMode:              models.FeeModeRetained,
		DefaultPlatformFee:   decimal.RequireFromString("0.2"),
		DefaultOperatorShare: decimal.RequireFromString("0.4"),
		DocumentStoreTimeout: time.Second,
		AuditLedgerTimeout:   time.Second,
		TransferTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	mux := http.NewServeMux()
	settlementPath, settlementHandler := apiconnect.NewSettlementServiceHandler(
		NewSettlementService(engine, logger),
		connect.WithInterceptors(middleware.RequireAuth(ts.jwt), middleware.LoggingInterceptor(logger)),
	)
	mux.Handle(settlementPath, settlementHandler)

	authPath, authHandler := apiconnect.NewAuthServiceHandler(
		NewAuthService(auth.NewPasswordAuthenticator(store), store, ts.jwt, logger),
		connect.WithInterceptors(middleware.OptionalAuth(ts.jwt), middleware.LoggingInterceptor(logger)),
	)
	mux.Handle(authPath, authHandler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	ts.settlement = apiconnect.NewSettlementServiceClient(http.DefaultClient, server.URL)
	ts.auth = apiconnect.NewAuthServiceClient(http.DefaultClient, server.URL)
	return ts
}

// token returns a bearer token for a user holding role under identity.
func (ts *testServer) token(t *testing.T, role models.Role, identity string) string {
	t.Helper()
	token, err := ts.jwt.Generate(&models.User{
		ID:       "user-" + identity,
		Email:    identity + "@example.com",
		Role:     role,
		Identity: identity,
	})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func request[T any](msg *T, token string) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	return req
}

func (ts *testServer) registerProject(t *testing.T, admin string) *api.Project {
	t.Helper()
	resp, err := ts.settlement.RegisterProject(context.Background(), request(&api.RegisterProjectRequest{
		Name:             "Maize plot north",
		OperatorIdentity: "farmer-1",
		TreasuryIdentity: "treasury-1",
		Asset:            "USD",
		Contributors: []api.ContributorShare{
			{Identity: "alice", ContributedAmount: api.Money{Amount: "6000", Asset: "USD"}, SharePercentage: "0.6"},
			{Identity: "bob", ContributedAmount: api.Money{Amount: "4000", Asset: "USD"}, SharePercentage: "0.4"},
		},
	}, admin))
	if err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}
	return resp.Msg.Project
}

func assertAmount(t *testing.T, label string, got api.Money, want string) {
	t.Helper()
	g, err := decimal.NewFromString(got.Amount)
	if err != nil {
		t.Fatalf("%s: unparsable amount %q", label, got.Amount)
	}
	if !g.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s: expected %s, got %s", label, want, got.Amount)
	}
}

func TestSettlementFlow(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	admin := ts.token(t, models.RoleAdmin, "platform")
	farmer := ts.token(t, models.RoleOperator, "farmer-1")
	notary := ts.token(t, models.RoleVerifier, "notary-1")

	project := ts.registerProject(t, admin)
	if project.Id == "" {
		t.Fatal("expected non-empty project ID")
	}
	if project.PlatformFeePercentage != "0.2" || project.OperatorSharePercentage != "0.4" {
		t.Errorf("default terms: got fee %s, operator share %s", project.PlatformFeePercentage, project.OperatorSharePercentage)
	}

	revenue := api.Money{Amount: "58500", Asset: "USD"}
	submitResp, err := ts.settlement.SubmitProof(ctx, request(&api.SubmitProofRequest{
		ProjectId:       project.Id,
		ReportedRevenue: revenue,
		Evidence:        []byte("harvest sales ledger, season 2026A"),
	}, farmer))
	if err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	submitted := submitResp.Msg.Settlement
	if submitted.State != string(models.StateProofSubmitted) {
		t.Fatalf("state: expected proof_submitted, got %s", submitted.State)
	}
	if submitted.OperatorIdentity != "farmer-1" {
		t.Errorf("operator identity: expected farmer-1, got %s", submitted.OperatorIdentity)
	}

	verifyResp, err := ts.settlement.VerifyProof(ctx, request(&api.VerifyProofRequest{
		ProjectId:         project.Id,
		ReportedRevenue:   revenue,
		EvidenceReference: submitted.EvidenceReference,
		EvidenceDigest:    submitted.EvidenceDigest,
		Accept:            true,
	}, notary))
	if err != nil {
		t.Fatalf("VerifyProof failed: %v", err)
	}
	if !verifyResp.Msg.Verified || verifyResp.Msg.Settlement.State != string(models.StateVerified) {
		t.Fatalf("expected verified settlement, got %+v", verifyResp.Msg.Settlement)
	}
	if verifyResp.Msg.ProfitDistribution == nil {
		t.Fatal("expected a distribution preview")
	}
	assertAmount(t, "preview operator", verifyResp.Msg.ProfitDistribution.OperatorPayout.Amount, "18720")

	distResp, err := ts.settlement.Distribute(ctx, request(&api.DistributeRequest{ProjectId: project.Id}, admin))
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if distResp.Msg.Settlement.State != string(models.StateDistributionComplete) {
		t.Errorf("state: expected distribution_complete, got %s", distResp.Msg.Settlement.State)
	}
	if len(distResp.Msg.Attempts) != 3 {
		t.Fatalf("attempts: expected 3, got %d", len(distResp.Msg.Attempts))
	}
	for _, a := range distResp.Msg.Attempts {
		if a.Outcome != string(models.OutcomeSuccess) {
			t.Errorf("line %d: expected success, got %s (%s)", a.Line, a.Outcome, a.Error)
		}
	}

	dist := distResp.Msg.Settlement.Distribution
	assertAmount(t, "platform fee", dist.PlatformFee.Amount, "11700")
	assertAmount(t, "operator", dist.OperatorPayout.Amount, "18720")
	assertAmount(t, "alice", dist.ContributorPayouts[0].Amount, "16848")
	assertAmount(t, "bob", dist.ContributorPayouts[1].Amount, "11232")

	balance, _ := ts.ledger.Balance("alice", "USD")
	if !balance.Amount.Equal(decimal.RequireFromString("16848")) {
		t.Errorf("alice ledger balance: expected 16848, got %s", balance)
	}

	// Contributors can read the settlement.
	getResp, err := ts.settlement.GetSettlement(ctx, request(&api.GetSettlementRequest{ProjectId: project.Id},
		ts.token(t, models.RoleContributor, "alice")))
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if len(getResp.Msg.Settlement.AuditReceipts) != 3 {
		t.Errorf("audit receipts: expected 3, got %d", len(getResp.Msg.Settlement.AuditReceipts))
	}

	_, err = ts.settlement.Distribute(ctx, request(&api.DistributeRequest{ProjectId: project.Id}, admin))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("second Distribute: expected FailedPrecondition, got %v", err)
	}
}

func TestVerifyProofDigestMismatch(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	admin := ts.token(t, models.RoleAdmin, "platform")
	project := ts.registerProject(t, admin)

	revenue := api.Money{Amount: "10000", Asset: "USD"}
	submitResp, err := ts.settlement.SubmitProof(ctx, request(&api.SubmitProofRequest{
		ProjectId:       project.Id,
		ReportedRevenue: revenue,
		Evidence:        []byte("original receipts"),
	}, ts.token(t, models.RoleOperator, "farmer-1")))
	if err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	submitted := submitResp.Msg.Settlement

	if err := ts.docs.Tamper(docstore.Address(submitted.EvidenceReference), []byte("original receiptz")); err != nil {
		t.Fatalf("Tamper failed: %v", err)
	}

	resp, err := ts.settlement.VerifyProof(ctx, request(&api.VerifyProofRequest{
		ProjectId:         project.Id,
		ReportedRevenue:   revenue,
		EvidenceReference: submitted.EvidenceReference,
		EvidenceDigest:    submitted.EvidenceDigest,
		Accept:            true,
	}, ts.token(t, models.RoleVerifier, "notary-1")))
	if err != nil {
		t.Fatalf("VerifyProof returned an error for a digest mismatch: %v", err)
	}
	if resp.Msg.Verified {
		t.Error("expected verified=false")
	}
	if resp.Msg.Settlement.State != string(models.StateRejected) {
		t.Errorf("state: expected rejected, got %s", resp.Msg.Settlement.State)
	}
	if resp.Msg.Rejection == nil || resp.Msg.Rejection.Check != models.CheckDigestMismatch {
		t.Fatalf("expected digest_mismatch rejection, got %+v", resp.Msg.Rejection)
	}
	if resp.Msg.Rejection.Expected != submitted.EvidenceDigest {
		t.Errorf("rejection expected digest: got %s, want %s", resp.Msg.Rejection.Expected, submitted.EvidenceDigest)
	}
}

func TestSettlementRoles(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	project := ts.registerProject(t, ts.token(t, models.RoleAdmin, "platform"))

	register := &api.RegisterProjectRequest{Name: "x", OperatorIdentity: "farmer-1", TreasuryIdentity: "treasury-1", Asset: "USD"}

	tests := []struct {
		name string
		call func() error
		want connect.Code
	}{
		{
			name: "no token",
			call: func() error {
				_, err := ts.settlement.ListProjects(ctx, request(&api.ListProjectsRequest{}, ""))
				return err
			},
			want: connect.CodeUnauthenticated,
		},
		{
			name: "contributor registers project",
			call: func() error {
				_, err := ts.settlement.RegisterProject(ctx, request(register, ts.token(t, models.RoleContributor, "alice")))
				return err
			},
			want: connect.CodePermissionDenied,
		},
		{
			name: "verifier submits proof",
			call: func() error {
				_, err := ts.settlement.SubmitProof(ctx, request(&api.SubmitProofRequest{
					ProjectId:       project.Id,
					ReportedRevenue: api.Money{Amount: "100", Asset: "USD"},
					Evidence:        []byte("x"),
				}, ts.token(t, models.RoleVerifier, "notary-1")))
				return err
			},
			want: connect.CodePermissionDenied,
		},
		{
			name: "operator of another identity submits proof",
			call: func() error {
				_, err := ts.settlement.SubmitProof(ctx, request(&api.SubmitProofRequest{
					ProjectId:       project.Id,
					ReportedRevenue: api.Money{Amount: "100", Asset: "USD"},
					Evidence:        []byte("x"),
				}, ts.token(t, models.RoleOperator, "farmer-2")))
				return err
			},
			want: connect.CodePermissionDenied,
		},
		{
			name: "operator distributes",
			call: func() error {
				_, err := ts.settlement.Distribute(ctx, request(&api.DistributeRequest{ProjectId: project.Id},
					ts.token(t, models.RoleOperator, "farmer-1")))
				return err
			},
			want: connect.CodePermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connect.CodeOf(tt.call()); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSettlementErrorCodes(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	admin := ts.token(t, models.RoleAdmin, "platform")
	project := ts.registerProject(t, admin)

	_, err := ts.settlement.GetProject(ctx, request(&api.GetProjectRequest{ProjectId: "missing"}, admin))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("unknown project: expected NotFound, got %v", err)
	}

	_, err = ts.settlement.Distribute(ctx, request(&api.DistributeRequest{ProjectId: project.Id}, admin))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("distribute without settlement: expected NotFound, got %v", err)
	}

	_, err = ts.settlement.RegisterProject(ctx, request(&api.RegisterProjectRequest{
		Name:                  "Bad fee",
		OperatorIdentity:      "farmer-1",
		TreasuryIdentity:      "treasury-1",
		Asset:                 "USD",
		PlatformFeePercentage: "twenty",
	}, admin))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("bad percentage: expected InvalidArgument, got %v", err)
	}

	_, err = ts.settlement.RegisterProject(ctx, request(&api.RegisterProjectRequest{
		Name:             "Bad shares",
		OperatorIdentity: "farmer-1",
		TreasuryIdentity: "treasury-1",
		Asset:            "USD",
		Contributors: []api.ContributorShare{
			{Identity: "alice", SharePercentage: "0.5"},
			{Identity: "bob", SharePercentage: "0.3"},
		},
	}, admin))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("shares not summing to one: expected InvalidArgument, got %v", err)
	}

	previewResp, err := ts.settlement.PreviewWaterfall(ctx, request(&api.PreviewWaterfallRequest{
		Revenue:          api.Money{Amount: "10000", Asset: "USD"},
		OperatorIdentity: "farmer-1",
	}, ts.token(t, models.RoleContributor, "alice")))
	if err != nil {
		t.Fatalf("PreviewWaterfall failed: %v", err)
	}
	assertAmount(t, "preview residual", previewResp.Msg.Distribution.Residual, "4800")
}

func TestConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want connect.Code
	}{
		{farmerrors.ErrInvalidInput.New("x"), connect.CodeInvalidArgument},
		{farmerrors.ErrConfiguration.New("x"), connect.CodeInvalidArgument},
		{farmerrors.ErrCrossAsset.New("x"), connect.CodeInvalidArgument},
		{farmerrors.ErrInvalidState.New("x"), connect.CodeFailedPrecondition},
		{farmerrors.ErrIntegrity.New("x"), connect.CodeFailedPrecondition},
		{farmerrors.ErrNotFound.New("x"), connect.CodeNotFound},
		{farmerrors.ErrUnauthorized.New("x"), connect.CodePermissionDenied},
		{farmerrors.ErrConflict.New("x"), connect.CodeAborted},
		{farmerrors.ErrDuplicate.New("x"), connect.CodeAlreadyExists},
		{farmerrors.ErrTransient.New("x"), connect.CodeUnavailable},
		{farmerrors.ErrQuotaExceeded.New("x"), connect.CodeResourceExhausted},
		{io.ErrUnexpectedEOF, connect.CodeInternal},
	}
	for _, tt := range tests {
		if got := connectError(tt.err).Code(); got != tt.want {
			t.Errorf("%v: expected %v, got %v", tt.err, tt.want, got)
		}
	}
}
