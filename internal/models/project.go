package models

import (
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/money"
)

// Project is an agricultural project whose revenue gets settled.
// The waterfall terms are fixed when the project is registered.
type Project struct {
	// ID is the stable identifier of the project (UUID format unless the
	// caller provides one).
	ID string

	// Name is the display name of the project.
	Name string

	// OperatorIdentity is the ledger identity of the farmer-operator. Only
	// this identity may submit revenue proof.
	OperatorIdentity string

	// TreasuryIdentity holds the project revenue; payouts are sent from it.
	TreasuryIdentity string

	// Asset is the asset code revenue is reported and paid in.
	Asset string

	// PlatformFeePercentage is taken off the revenue first (0.2 = 20%).
	PlatformFeePercentage decimal.Decimal

	// OperatorSharePercentage is applied to the remainder after the fee.
	OperatorSharePercentage decimal.Decimal

	// Contributors share the pool left after the operator payout, in the
	// listed order.
	Contributors []ContributorShare

	// CreatedAt is the Unix timestamp when the project was registered.
	CreatedAt int64
}

// ContributorShare is one capital contributor's stake in a project.
type ContributorShare struct {
	Identity          string
	ContributedAmount money.Money
	SharePercentage   decimal.Decimal
}
