package apiconnect

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/travisim/farmify/pkg/api"
)

// SettlementServiceName is the fully-qualified name of the SettlementService service.
const SettlementServiceName = "farmify.settlement.v1.SettlementService"

// These constants are the fully-qualified names of the RPCs defined in this package. They're
// exposed at runtime as Spec.Procedure and as the final two segments of the HTTP route.
const (
	SettlementServiceRegisterProjectProcedure      = "/farmify.settlement.v1.SettlementService/RegisterProject"
	SettlementServiceGetProjectProcedure           = "/farmify.settlement.v1.SettlementService/GetProject"
	SettlementServiceListProjectsProcedure         = "/farmify.settlement.v1.SettlementService/ListProjects"
	SettlementServiceSubmitProofProcedure          = "/farmify.settlement.v1.SettlementService/SubmitProof"
	SettlementServiceVerifyProofProcedure          = "/farmify.settlement.v1.SettlementService/VerifyProof"
	SettlementServiceComputeWaterfallProcedure     = "/farmify.settlement.v1.SettlementService/ComputeWaterfall"
	SettlementServicePreviewWaterfallProcedure     = "/farmify.settlement.v1.SettlementService/PreviewWaterfall"
	SettlementServiceDistributeProcedure           = "/farmify.settlement.v1.SettlementService/Distribute"
	SettlementServiceRetryFailedTransfersProcedure = "/farmify.settlement.v1.SettlementService/RetryFailedTransfers"
	SettlementServiceGetSettlementProcedure        = "/farmify.settlement.v1.SettlementService/GetSettlement"
	SettlementServiceListSettlementsProcedure      = "/farmify.settlement.v1.SettlementService/ListSettlements"
)

// SettlementServiceClient is a client for the farmify.settlement.v1.SettlementService service.
type SettlementServiceClient interface {
	RegisterProject(context.Context, *connect.Request[api.RegisterProjectRequest]) (*connect.Response[api.RegisterProjectResponse], error)
	GetProject(context.Context, *connect.Request[api.GetProjectRequest]) (*connect.Response[api.GetProjectResponse], error)
	ListProjects(context.Context, *connect.Request[api.ListProjectsRequest]) (*connect.Response[api.ListProjectsResponse], error)
	SubmitProof(context.Context, *connect.Request[api.SubmitProofRequest]) (*connect.Response[api.SubmitProofResponse], error)
	VerifyProof(context.Context, *connect.Request[api.VerifyProofRequest]) (*connect.Response[api.VerifyProofResponse], error)
	ComputeWaterfall(context.Context, *connect.Request[api.ComputeWaterfallRequest]) (*connect.Response[api.ComputeWaterfallResponse], error)
	PreviewWaterfall(context.Context, *connect.Request[api.PreviewWaterfallRequest]) (*connect.Response[api.PreviewWaterfallResponse], error)
	Distribute(context.Context, *connect.Request[api.DistributeRequest]) (*connect.Response[api.DistributeResponse], error)
	RetryFailedTransfers(context.Context, *connect.Request[api.RetryFailedTransfersRequest]) (*connect.Response[api.RetryFailedTransfersResponse], error)
	GetSettlement(context.Context, *connect.Request[api.GetSettlementRequest]) (*connect.Response[api.GetSettlementResponse], error)
	ListSettlements(context.Context, *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error)
}

// NewSettlementServiceClient constructs a client for the farmify.settlement.v1.SettlementService
// service. Messages are sent as JSON.
//
// The URL supplied here should be the base URL for the Connect or gRPC server (for example,
// http://api.acme.com or https://acme.com/grpc).
func NewSettlementServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) SettlementServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = clientOptions(opts)
	return &settlementServiceClient{
		registerProject:      connect.NewClient[api.RegisterProjectRequest, api.RegisterProjectResponse](httpClient, baseURL+SettlementServiceRegisterProjectProcedure, opts...),
		getProject:           connect.NewClient[api.GetProjectRequest, api.GetProjectResponse](httpClient, baseURL+SettlementServiceGetProjectProcedure, opts...),
		listProjects:         connect.NewClient[api.ListProjectsRequest, api.ListProjectsResponse](httpClient, baseURL+SettlementServiceListProjectsProcedure, opts...),
		submitProof:          connect.NewClient[api.SubmitProofRequest, api.SubmitProofResponse](httpClient, baseURL+SettlementServiceSubmitProofProcedure, opts...),
		verifyProof:          connect.NewClient[api.VerifyProofRequest, api.VerifyProofResponse](httpClient, baseURL+SettlementServiceVerifyProofProcedure, opts...),
		computeWaterfall:     connect.NewClient[api.ComputeWaterfallRequest, api.ComputeWaterfallResponse](httpClient, baseURL+SettlementServiceComputeWaterfallProcedure, opts...),
		previewWaterfall:     connect.NewClient[api.PreviewWaterfallRequest, api.PreviewWaterfallResponse](httpClient, baseURL+SettlementServicePreviewWaterfallProcedure, opts...),
		distribute:           connect.NewClient[api.DistributeRequest, api.DistributeResponse](httpClient, baseURL+SettlementServiceDistributeProcedure, opts...),
		retryFailedTransfers: connect.NewClient[api.RetryFailedTransfersRequest, api.RetryFailedTransfersResponse](httpClient, baseURL+SettlementServiceRetryFailedTransfersProcedure, opts...),
		getSettlement:        connect.NewClient[api.GetSettlementRequest, api.GetSettlementResponse](httpClient, baseURL+SettlementServiceGetSettlementProcedure, opts...),
		listSettlements:      connect.NewClient[api.ListSettlementsRequest, api.ListSettlementsResponse](httpClient, baseURL+SettlementServiceListSettlementsProcedure, opts...),
	}
}

// settlementServiceClient implements SettlementServiceClient.
type settlementServiceClient struct {
	registerProject      *connect.Client[api.RegisterProjectRequest, api.RegisterProjectResponse]
	getProject           *connect.Client[api.GetProjectRequest, api.GetProjectResponse]
	listProjects         *connect.Client[api.ListProjectsRequest, api.ListProjectsResponse]
	submitProof          *connect.Client[api.SubmitProofRequest, api.SubmitProofResponse]
	verifyProof          *connect.Client[api.VerifyProofRequest, api.VerifyProofResponse]
	computeWaterfall     *connect.Client[api.ComputeWaterfallRequest, api.ComputeWaterfallResponse]
	previewWaterfall     *connect.Client[api.PreviewWaterfallRequest, api.PreviewWaterfallResponse]
	distribute           *connect.Client[api.DistributeRequest, api.DistributeResponse]
	retryFailedTransfers *connect.Client[api.RetryFailedTransfersRequest, api.RetryFailedTransfersResponse]
	getSettlement        *connect.Client[api.GetSettlementRequest, api.GetSettlementResponse]
	listSettlements      *connect.Client[api.ListSettlementsRequest, api.ListSettlementsResponse]
}

func (c *settlementServiceClient) RegisterProject(ctx context.Context, req *connect.Request[api.RegisterProjectRequest]) (*connect.Response[api.RegisterProjectResponse], error) {
	return c.registerProject.CallUnary(ctx, req)
}

func (c *settlementServiceClient) GetProject(ctx context.Context, req *connect.Request[api.GetProjectRequest]) (*connect.Response[api.GetProjectResponse], error) {
	return c.getProject.CallUnary(ctx, req)
}

func (c *settlementServiceClient) ListProjects(ctx context.Context, req *connect.Request[api.ListProjectsRequest]) (*connect.Response[api.ListProjectsResponse], error) {
	return c.listProjects.CallUnary(ctx, req)
}

func (c *settlementServiceClient) SubmitProof(ctx context.Context, req *connect.Request[api.SubmitProofRequest]) (*connect.Response[api.SubmitProofResponse], error) {
	return c.submitProof.CallUnary(ctx, req)
}

func (c *settlementServiceClient) VerifyProof(ctx context.Context, req *connect.Request[api.VerifyProofRequest]) (*connect.Response[api.VerifyProofResponse], error) {
	return c.verifyProof.CallUnary(ctx, req)
}

func (c *settlementServiceClient) ComputeWaterfall(ctx context.Context, req *connect.Request[api.ComputeWaterfallRequest]) (*connect.Response[api.ComputeWaterfallResponse], error) {
	return c.computeWaterfall.CallUnary(ctx, req)
}

func (c *settlementServiceClient) PreviewWaterfall(ctx context.Context, req *connect.Request[api.PreviewWaterfallRequest]) (*connect.Response[api.PreviewWaterfallResponse], error) {
	return c.previewWaterfall.CallUnary(ctx, req)
}

func (c *settlementServiceClient) Distribute(ctx context.Context, req *connect.Request[api.DistributeRequest]) (*connect.Response[api.DistributeResponse], error) {
	return c.distribute.CallUnary(ctx, req)
}

func (c *settlementServiceClient) RetryFailedTransfers(ctx context.Context, req *connect.Request[api.RetryFailedTransfersRequest]) (*connect.Response[api.RetryFailedTransfersResponse], error) {
	return c.retryFailedTransfers.CallUnary(ctx, req)
}

func (c *settlementServiceClient) GetSettlement(ctx context.Context, req *connect.Request[api.GetSettlementRequest]) (*connect.Response[api.GetSettlementResponse], error) {
	return c.getSettlement.CallUnary(ctx, req)
}

func (c *settlementServiceClient) ListSettlements(ctx context.Context, req *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error) {
	return c.listSettlements.CallUnary(ctx, req)
}

// SettlementServiceHandler is an implementation of the farmify.settlement.v1.SettlementService service.
type SettlementServiceHandler interface {
	RegisterProject(context.Context, *connect.Request[api.RegisterProjectRequest]) (*connect.Response[api.RegisterProjectResponse], error)
	GetProject(context.Context, *connect.Request[api.GetProjectRequest]) (*connect.Response[api.GetProjectResponse], error)
	ListProjects(context.Context, *connect.Request[api.ListProjectsRequest]) (*connect.Response[api.ListProjectsResponse], error)
	SubmitProof(context.Context, *connect.Request[api.SubmitProofRequest]) (*connect.Response[api.SubmitProofResponse], error)
	VerifyProof(context.Context, *connect.Request[api.VerifyProofRequest]) (*connect.Response[api.VerifyProofResponse], error)
	ComputeWaterfall(context.Context, *connect.Request[api.ComputeWaterfallRequest]) (*connect.Response[api.ComputeWaterfallResponse], error)
	PreviewWaterfall(context.Context, *connect.Request[api.PreviewWaterfallRequest]) (*connect.Response[api.PreviewWaterfallResponse], error)
	Distribute(context.Context, *connect.Request[api.DistributeRequest]) (*connect.Response[api.DistributeResponse], error)
	RetryFailedTransfers(context.Context, *connect.Request[api.RetryFailedTransfersRequest]) (*connect.Response[api.RetryFailedTransfersResponse], error)
	GetSettlement(context.Context, *connect.Request[api.GetSettlementRequest]) (*connect.Response[api.GetSettlementResponse], error)
	ListSettlements(context.Context, *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error)
}

// NewSettlementServiceHandler builds an HTTP handler from the service implementation. It returns
// the path on which to mount the handler and the handler itself.
func NewSettlementServiceHandler(svc SettlementServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	handlers := map[string]http.Handler{
		SettlementServiceRegisterProjectProcedure:      connect.NewUnaryHandler(SettlementServiceRegisterProjectProcedure, svc.RegisterProject, opts...),
		SettlementServiceGetProjectProcedure:           connect.NewUnaryHandler(SettlementServiceGetProjectProcedure, svc.GetProject, opts...),
		SettlementServiceListProjectsProcedure:         connect.NewUnaryHandler(SettlementServiceListProjectsProcedure, svc.ListProjects, opts...),
		SettlementServiceSubmitProofProcedure:          connect.NewUnaryHandler(SettlementServiceSubmitProofProcedure, svc.SubmitProof, opts...),
		SettlementServiceVerifyProofProcedure:          connect.NewUnaryHandler(SettlementServiceVerifyProofProcedure, svc.VerifyProof, opts...),
		SettlementServiceComputeWaterfallProcedure:     connect.NewUnaryHandler(SettlementServiceComputeWaterfallProcedure, svc.ComputeWaterfall, opts...),
		SettlementServicePreviewWaterfallProcedure:     connect.NewUnaryHandler(SettlementServicePreviewWaterfallProcedure, svc.PreviewWaterfall, opts...),
		SettlementServiceDistributeProcedure:           connect.NewUnaryHandler(SettlementServiceDistributeProcedure, svc.Distribute, opts...),
		SettlementServiceRetryFailedTransfersProcedure: connect.NewUnaryHandler(SettlementServiceRetryFailedTransfersProcedure, svc.RetryFailedTransfers, opts...),
		SettlementServiceGetSettlementProcedure:        connect.NewUnaryHandler(SettlementServiceGetSettlementProcedure, svc.GetSettlement, opts...),
		SettlementServiceListSettlementsProcedure:      connect.NewUnaryHandler(SettlementServiceListSettlementsProcedure, svc.ListSettlements, opts...),
	}
	return "/" + SettlementServiceName + "/", route(handlers)
}

func route(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
