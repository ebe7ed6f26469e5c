// Package api holds the wire messages of the Farmify RPC services.
//
// Messages travel as JSON over Connect (see package apiconnect). Decimal
// values are strings so no precision is lost on the way; evidence bytes are
// base64 encoded by encoding/json.
package api

// Money is a decimal amount of an asset, e.g. {"amount":"58500","asset":"USD"}.
type Money struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type ContributorShare struct {
	Identity          string `json:"identity"`
	ContributedAmount Money  `json:"contributedAmount"`
	SharePercentage   string `json:"sharePercentage"`
}

type Project struct {
	Id                      string             `json:"id"`
	Name                    string             `json:"name"`
	OperatorIdentity        string             `json:"operatorIdentity"`
	TreasuryIdentity        string             `json:"treasuryIdentity"`
	Asset                   string             `json:"asset"`
	PlatformFeePercentage   string             `json:"platformFeePercentage"`
	OperatorSharePercentage string             `json:"operatorSharePercentage"`
	Contributors            []ContributorShare `json:"contributors"`
	CreatedAt               int64              `json:"createdAt"`
}

type Payout struct {
	Recipient string `json:"recipient"`
	Role      string `json:"role"`
	Amount    Money  `json:"amount"`
}

type Distribution struct {
	Revenue            Money    `json:"revenue"`
	PlatformFee        Payout   `json:"platformFee"`
	PlatformFeeMode    string   `json:"platformFeeMode"`
	OperatorPayout     Payout   `json:"operatorPayout"`
	ContributorPayouts []Payout `json:"contributorPayouts"`
	Residual           Money    `json:"residual"`
	ComputedAt         int64    `json:"computedAt"`
}

type TransferReceipt struct {
	Line       int    `json:"line"`
	Attempt    int    `json:"attempt"`
	Recipient  string `json:"recipient"`
	Role       string `json:"role"`
	Amount     Money  `json:"amount"`
	Outcome    string `json:"outcome"`
	Reference  string `json:"reference,omitempty"`
	Error      string `json:"error,omitempty"`
	RecordedAt int64  `json:"recordedAt"`
}

type AuditReceipt struct {
	Kind              string `json:"kind"`
	Signer            string `json:"signer"`
	Reference         string `json:"reference"`
	DocumentReference string `json:"documentReference,omitempty"`
	RecordedAt        int64  `json:"recordedAt"`
}

type Rejection struct {
	Check    string `json:"check"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

type Settlement struct {
	Id                string            `json:"id"`
	ProjectId         string            `json:"projectId"`
	State             string            `json:"state"`
	Version           int64             `json:"version"`
	OperatorIdentity  string            `json:"operatorIdentity"`
	ReportedRevenue   Money             `json:"reportedRevenue"`
	EvidenceReference string            `json:"evidenceReference,omitempty"`
	EvidenceDigest    string            `json:"evidenceDigest,omitempty"`
	VerifiedDigest    string            `json:"verifiedDigest,omitempty"`
	VerifierIdentity  string            `json:"verifierIdentity,omitempty"`
	VerifiedAt        int64             `json:"verifiedAt,omitempty"`
	Rejection         *Rejection        `json:"rejection,omitempty"`
	Distribution      *Distribution     `json:"distribution,omitempty"`
	Receipts          []TransferReceipt `json:"receipts"`
	AuditReceipts     []AuditReceipt    `json:"auditReceipts"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
}

type RecipientBalance struct {
	Recipient string `json:"recipient"`
	Role      string `json:"role"`
	Owed      Money  `json:"owed"`
	Paid      Money  `json:"paid"`
	Due       Money  `json:"due"`
}

// Settlement service messages.

type RegisterProjectRequest struct {
	Id               string `json:"id,omitempty"`
	Name             string `json:"name"`
	OperatorIdentity string `json:"operatorIdentity"`
	TreasuryIdentity string `json:"treasuryIdentity"`
	Asset            string `json:"asset"`
	// Empty percentages take the platform defaults.
	PlatformFeePercentage   string             `json:"platformFeePercentage,omitempty"`
	OperatorSharePercentage string             `json:"operatorSharePercentage,omitempty"`
	Contributors            []ContributorShare `json:"contributors"`
}

type RegisterProjectResponse struct {
	Project *Project `json:"project"`
}

type GetProjectRequest struct {
	ProjectId string `json:"projectId"`
}

type GetProjectResponse struct {
	Project *Project `json:"project"`
}

type ListProjectsRequest struct{}

type ListProjectsResponse struct {
	Projects []*Project `json:"projects"`
}

type SubmitProofRequest struct {
	ProjectId       string `json:"projectId"`
	ReportedRevenue Money  `json:"reportedRevenue"`
	Evidence        []byte `json:"evidence"`
}

type SubmitProofResponse struct {
	Settlement *Settlement `json:"settlement"`
}

type VerifyProofRequest struct {
	ProjectId         string `json:"projectId"`
	ReportedRevenue   Money  `json:"reportedRevenue"`
	EvidenceReference string `json:"evidenceReference"`
	EvidenceDigest    string `json:"evidenceDigest"`
	Accept            bool   `json:"accept"`
	Reason            string `json:"reason,omitempty"`
}

type VerifyProofResponse struct {
	Settlement         *Settlement   `json:"settlement"`
	Verified           bool          `json:"verified"`
	Rejection          *Rejection    `json:"rejection,omitempty"`
	ProfitDistribution *Distribution `json:"profitDistribution,omitempty"`
}

type ComputeWaterfallRequest struct {
	ProjectId string `json:"projectId"`
}

type ComputeWaterfallResponse struct {
	Distribution *Distribution `json:"distribution"`
}

type PreviewWaterfallRequest struct {
	Revenue                 Money              `json:"revenue"`
	PlatformFeePercentage   string             `json:"platformFeePercentage,omitempty"`
	OperatorSharePercentage string             `json:"operatorSharePercentage,omitempty"`
	OperatorIdentity        string             `json:"operatorIdentity"`
	Contributors            []ContributorShare `json:"contributors"`
}

type PreviewWaterfallResponse struct {
	Distribution *Distribution `json:"distribution"`
}

type DistributeRequest struct {
	ProjectId string `json:"projectId"`
}

type DistributeResponse struct {
	Settlement *Settlement         `json:"settlement"`
	Attempts   []TransferReceipt   `json:"attempts"`
	Balances   []*RecipientBalance `json:"balances"`
}

type RetryFailedTransfersRequest struct {
	ProjectId string `json:"projectId"`
}

type RetryFailedTransfersResponse struct {
	Settlement *Settlement         `json:"settlement"`
	Attempts   []TransferReceipt   `json:"attempts"`
	Balances   []*RecipientBalance `json:"balances"`
}

type GetSettlementRequest struct {
	ProjectId string `json:"projectId"`
}

type GetSettlementResponse struct {
	Settlement *Settlement `json:"settlement"`
}

type ListSettlementsRequest struct {
	ProjectId string `json:"projectId"`
}

type ListSettlementsResponse struct {
	Settlements []*Settlement `json:"settlements"`
}

// Auth service messages.

type User struct {
	Id          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Identity    string `json:"identity"`
	CreatedAt   int64  `json:"createdAt"`
}

type RegisterRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	// Role defaults to contributor. Other roles require an admin caller.
	Role     string `json:"role,omitempty"`
	Identity string `json:"identity"`
}

type RegisterResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

type GetCurrentUserRequest struct{}

type GetCurrentUserResponse struct {
	User *User `json:"user"`
}
