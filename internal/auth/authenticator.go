package auth

import (
	"context"

	"github.com/travisim/farmify/internal/models"
)

// Account is what a new user registers with.
type Account struct {
	Email       string
	DisplayName string
	Credential  string
	Role        models.Role

	// Identity is the ledger address the user signs and receives payouts
	// under.
	Identity string
}

// Authenticator defines the interface for authentication implementations.
// This abstraction allows swapping between different auth methods (password, passkeys, OAuth, etc.)
// without changing the service layer code.
type Authenticator interface {
	// Register creates a new user account. The credential format depends on
	// the implementation.
	// Returns the created user or an error if registration fails.
	Register(ctx context.Context, account Account) (*models.User, error)

	// Authenticate verifies the user's credentials and returns the user if successful.
	// Returns an error if authentication fails.
	Authenticate(ctx context.Context, email, credential string) (*models.User, error)

	// ValidateCredential checks if the credential meets the implementation's requirements.
	ValidateCredential(credential string) error
}
