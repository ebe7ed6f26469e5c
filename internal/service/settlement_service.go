package service

import (
	"context"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/middleware"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/settlement"
	"github.com/travisim/farmify/pkg/api"
)

// SettlementService implements the SettlementService RPC interface on top of
// the settlement engine. The acting identity of every call is the ledger
// identity carried by the caller's token.
type SettlementService struct {
	engine *settlement.Engine
	logger *slog.Logger
}

// NewSettlementService creates a new settlement service.
func NewSettlementService(engine *settlement.Engine, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{engine: engine, logger: logger}
}

func requireRole(ctx context.Context, roles ...models.Role) error {
	if middleware.GetUserID(ctx) == "" {
		return connect.NewError(connect.CodeUnauthenticated, errors.ErrUnauthorized.New("authentication required"))
	}
	if !middleware.HasRole(ctx, roles...) {
		return connect.NewError(connect.CodePermissionDenied,
			errors.ErrUnauthorized.Newf("role %q may not perform this operation", middleware.GetRole(ctx)))
	}
	return nil
}

var anyRole = []models.Role{models.RoleAdmin, models.RoleOperator, models.RoleVerifier, models.RoleContributor}

// RegisterProject creates a project with fixed waterfall terms.
func (s *SettlementService) RegisterProject(ctx context.Context, req *connect.Request[api.RegisterProjectRequest]) (*connect.Response[api.RegisterProjectResponse], error) {
	if err := requireRole(ctx, models.RoleAdmin); err != nil {
		return nil, err
	}
	s.logger.Info("RegisterProject request", "name", req.Msg.Name, "operator", req.Msg.OperatorIdentity)

	fee, err := parsePercentage("platform fee percentage", req.Msg.PlatformFeePercentage)
	if err != nil {
		return nil, connectError(err)
	}
	share, err := parsePercentage("operator share percentage", req.Msg.OperatorSharePercentage)
	if err != nil {
		return nil, connectError(err)
	}
	contributors, err := parseContributors(req.Msg.Contributors)
	if err != nil {
		return nil, connectError(err)
	}

	project, err := s.engine.RegisterProject(ctx, settlement.RegisterProjectInput{
		ID:                      req.Msg.Id,
		Name:                    req.Msg.Name,
		OperatorIdentity:        req.Msg.OperatorIdentity,
		TreasuryIdentity:        req.Msg.TreasuryIdentity,
		Asset:                   req.Msg.Asset,
		PlatformFeePercentage:   fee,
		OperatorSharePercentage: share,
		Contributors:            contributors,
	})
	if err != nil {
		return nil, logFailure(s.logger, "RegisterProject failed", err, "name", req.Msg.Name)
	}

	s.logger.Info("Project registered", "project_id", project.ID, "contributors", len(project.Contributors))
	return connect.NewResponse(&api.RegisterProjectResponse{Project: toProject(project)}), nil
}

// GetProject retrieves a project by ID.
func (s *SettlementService) GetProject(ctx context.Context, req *connect.Request[api.GetProjectRequest]) (*connect.Response[api.GetProjectResponse], error) {
	if err := requireRole(ctx, anyRole...); err != nil {
		return nil, err
	}
	if req.Msg.ProjectId == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.ErrInvalidInput.New("project_id is required"))
	}

	project, err := s.engine.GetProject(ctx, req.Msg.ProjectId)
	if err != nil {
		return nil, logFailure(s.logger, "GetProject failed", err, "project_id", req.Msg.ProjectId)
	}
	return connect.NewResponse(&api.GetProjectResponse{Project: toProject(project)}), nil
}

// ListProjects returns all registered projects.
func (s *SettlementService) ListProjects(ctx context.Context, req *connect.Request[api.ListProjectsRequest]) (*connect.Response[api.ListProjectsResponse], error) {
	if err := requireRole(ctx, anyRole...); err != nil {
		return nil, err
	}

	projects, err := s.engine.ListProjects(ctx)
	if err != nil {
		return nil, logFailure(s.logger, "ListProjects failed", err)
	}
	out := make([]*api.Project, len(projects))
	for i, p := range projects {
		out[i] = toProject(p)
	}
	return connect.NewResponse(&api.ListProjectsResponse{Projects: out}), nil
}

// SubmitProof stores the operator's revenue evidence and records the
// submission on the audit ledger.
func (s *SettlementService) SubmitProof(ctx context.Context, req *connect.Request[api.SubmitProofRequest]) (*connect.Response[api.SubmitProofResponse], error) {
	if err := requireRole(ctx, models.RoleOperator); err != nil {
		return nil, err
	}
	s.logger.Info("SubmitProof request",
		"project_id", req.Msg.ProjectId,
		"revenue", req.Msg.ReportedRevenue.Amount,
		"evidence_bytes", len(req.Msg.Evidence),
	)

	revenue, err := parseMoney(req.Msg.ReportedRevenue)
	if err != nil {
		return nil, connectError(err)
	}

	result, err := s.engine.SubmitProof(ctx, settlement.SubmitProofInput{
		OperatorIdentity: middleware.GetIdentity(ctx),
		ProjectID:        req.Msg.ProjectId,
		ReportedRevenue:  revenue,
		Evidence:         req.Msg.Evidence,
	})
	if err != nil {
		return nil, logFailure(s.logger, "SubmitProof failed", err, "project_id", req.Msg.ProjectId)
	}
	return connect.NewResponse(&api.SubmitProofResponse{Settlement: toSettlement(result)}), nil
}

// VerifyProof recomputes the evidence digest and notarizes or rejects the
// submission. A digest mismatch is not an RPC error: the response carries
// the rejected settlement and the structured rejection.
func (s *SettlementService) VerifyProof(ctx context.Context, req *connect.Request[api.VerifyProofRequest]) (*connect.Response[api.VerifyProofResponse], error) {
	if err := requireRole(ctx, models.RoleVerifier); err != nil {
		return nil, err
	}
	s.logger.Info("VerifyProof request", "project_id", req.Msg.ProjectId, "accept", req.Msg.Accept)

	revenue, err := parseMoney(req.Msg.ReportedRevenue)
	if err != nil {
		return nil, connectError(err)
	}

	result, err := s.engine.VerifyProof(ctx, settlement.VerifyProofInput{
		VerifierIdentity:  middleware.GetIdentity(ctx),
		ProjectID:         req.Msg.ProjectId,
		ReportedRevenue:   revenue,
		EvidenceReference: req.Msg.EvidenceReference,
		EvidenceDigest:    req.Msg.EvidenceDigest,
		Decision:          settlement.Decision{Accept: req.Msg.Accept, Reason: req.Msg.Reason},
	})
	if err != nil && result == nil {
		return nil, logFailure(s.logger, "VerifyProof failed", err, "project_id", req.Msg.ProjectId)
	}
	if err != nil {
		s.logger.Warn("Evidence failed integrity check", "project_id", req.Msg.ProjectId, "error", err)
	}

	return connect.NewResponse(&api.VerifyProofResponse{
		Settlement:         toSettlement(result.Settlement),
		Verified:           result.Verified,
		Rejection:          toRejection(result.Settlement.Rejection),
		ProfitDistribution: toDistribution(result.Preview),
	}), nil
}

// ComputeWaterfall computes and stores the distribution of a verified
// settlement. Repeated calls return the stored distribution.
func (s *SettlementService) ComputeWaterfall(ctx context.Context, req *connect.Request[api.ComputeWaterfallRequest]) (*connect.Response[api.ComputeWaterfallResponse], error) {
	if err := requireRole(ctx, models.RoleAdmin); err != nil {
		return nil, err
	}

	dist, err := s.engine.ComputeWaterfall(ctx, req.Msg.ProjectId)
	if err != nil {
		return nil, logFailure(s.logger, "ComputeWaterfall failed", err, "project_id", req.Msg.ProjectId)
	}
	return connect.NewResponse(&api.ComputeWaterfallResponse{Distribution: toDistribution(dist)}), nil
}

// PreviewWaterfall runs the waterfall calculator without touching any
// settlement.
func (s *SettlementService) PreviewWaterfall(ctx context.Context, req *connect.Request[api.PreviewWaterfallRequest]) (*connect.Response[api.PreviewWaterfallResponse], error) {
	if err := requireRole(ctx, anyRole...); err != nil {
		return nil, err
	}

	revenue, err := parseMoney(req.Msg.Revenue)
	if err != nil {
		return nil, connectError(err)
	}
	fee, err := parsePercentage("platform fee percentage", req.Msg.PlatformFeePercentage)
	if err != nil {
		return nil, connectError(err)
	}
	share, err := parsePercentage("operator share percentage", req.Msg.OperatorSharePercentage)
	if err != nil {
		return nil, connectError(err)
	}
	contributors, err := parseContributors(req.Msg.Contributors)
	if err != nil {
		return nil, connectError(err)
	}

	dist, err := s.engine.PreviewWaterfall(settlement.PreviewInput{
		Revenue:                 revenue,
		PlatformFeePercentage:   fee,
		OperatorSharePercentage: share,
		OperatorIdentity:        req.Msg.OperatorIdentity,
		Contributors:            contributors,
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.PreviewWaterfallResponse{Distribution: toDistribution(dist)}), nil
}

// Distribute executes the payout lines of a verified settlement. Failed
// lines are reported in the response, not as an RPC error.
func (s *SettlementService) Distribute(ctx context.Context, req *connect.Request[api.DistributeRequest]) (*connect.Response[api.DistributeResponse], error) {
	if err := requireRole(ctx, models.RoleAdmin); err != nil {
		return nil, err
	}
	s.logger.Info("Distribute request", "project_id", req.Msg.ProjectId)

	report, err := s.engine.Distribute(ctx, settlement.DistributeInput{ProjectID: req.Msg.ProjectId})
	if err != nil {
		return nil, logFailure(s.logger, "Distribute failed", err, "project_id", req.Msg.ProjectId)
	}
	if failed := report.Failed(); len(failed) > 0 {
		s.logger.Warn("Distribution finished with failed lines", "project_id", req.Msg.ProjectId, "failed", len(failed))
	}
	return connect.NewResponse(&api.DistributeResponse{
		Settlement: toSettlement(report.Settlement),
		Attempts:   toReceipts(report.Attempts),
		Balances:   toBalances(report.Balances),
	}), nil
}

// RetryFailedTransfers re-attempts the unpaid lines of a completed
// distribution.
func (s *SettlementService) RetryFailedTransfers(ctx context.Context, req *connect.Request[api.RetryFailedTransfersRequest]) (*connect.Response[api.RetryFailedTransfersResponse], error) {
	if err := requireRole(ctx, models.RoleAdmin); err != nil {
		return nil, err
	}
	s.logger.Info("RetryFailedTransfers request", "project_id", req.Msg.ProjectId)

	report, err := s.engine.RetryFailedTransfers(ctx, req.Msg.ProjectId)
	if err != nil {
		return nil, logFailure(s.logger, "RetryFailedTransfers failed", err, "project_id", req.Msg.ProjectId)
	}
	return connect.NewResponse(&api.RetryFailedTransfersResponse{
		Settlement: toSettlement(report.Settlement),
		Attempts:   toReceipts(report.Attempts),
		Balances:   toBalances(report.Balances),
	}), nil
}

// GetSettlement returns the most recent settlement of a project.
func (s *SettlementService) GetSettlement(ctx context.Context, req *connect.Request[api.GetSettlementRequest]) (*connect.Response[api.GetSettlementResponse], error) {
	if err := requireRole(ctx, anyRole...); err != nil {
		return nil, err
	}

	result, err := s.engine.GetSettlement(ctx, req.Msg.ProjectId)
	if err != nil {
		return nil, logFailure(s.logger, "GetSettlement failed", err, "project_id", req.Msg.ProjectId)
	}
	return connect.NewResponse(&api.GetSettlementResponse{Settlement: toSettlement(result)}), nil
}

// ListSettlements returns every settlement of a project, newest first.
func (s *SettlementService) ListSettlements(ctx context.Context, req *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error) {
	if err := requireRole(ctx, anyRole...); err != nil {
		return nil, err
	}

	settlements, err := s.engine.ListSettlements(ctx, req.Msg.ProjectId)
	if err != nil {
		return nil, logFailure(s.logger, "ListSettlements failed", err, "project_id", req.Msg.ProjectId)
	}
	out := make([]*api.Settlement, len(settlements))
	for i, st := range settlements {
		out[i] = toSettlement(st)
	}
	return connect.NewResponse(&api.ListSettlementsResponse{Settlements: out}), nil
}
