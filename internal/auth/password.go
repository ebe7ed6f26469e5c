package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	farmerrors "github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidAccount     = errors.New("email, display name, role and identity are required")
)

// UserStorage defines the interface for user persistence operations.
// This allows the authenticator to be independent of the storage implementation.
type UserStorage interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// PasswordAuthenticator implements password-based authentication using bcrypt.
type PasswordAuthenticator struct {
	storage UserStorage
}

// NewPasswordAuthenticator creates a new password-based authenticator.
func NewPasswordAuthenticator(storage UserStorage) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		storage: storage,
	}
}

// ValidateCredential checks if the password meets minimum requirements.
func (a *PasswordAuthenticator) ValidateCredential(credential string) error {
	if len(credential) < 8 {
		return ErrWeakPassword
	}
	return nil
}

// Register creates a new user account with a hashed password.
func (a *PasswordAuthenticator) Register(ctx context.Context, account Account) (*models.User, error) {
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Email == "" || account.DisplayName == "" || account.Identity == "" || !account.Role.Valid() {
		return nil, ErrInvalidAccount
	}

	// Validate password strength
	if err := a.ValidateCredential(account.Credential); err != nil {
		return nil, err
	}

	// Check if email already exists
	existingUser, err := a.storage.GetUserByEmail(ctx, account.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if existingUser != nil {
		return nil, ErrEmailExists
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(account.Credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.NewUser(account.Email, account.DisplayName, string(hashedPassword), account.Role, account.Identity)

	// Save to storage
	if err := a.storage.CreateUser(ctx, user); err != nil {
		if farmerrors.ErrDuplicate.Is(err) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Authenticate verifies the email and password, returning the user if valid.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, email, credential string) (*models.User, error) {
	user, err := a.storage.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil || user == nil {
		return nil, ErrInvalidCredentials
	}

	// Compare password hash
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(credential)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// EnsureAdmin registers the bootstrap admin unless the email is taken.
func (a *PasswordAuthenticator) EnsureAdmin(ctx context.Context, email, password, identity string) (*models.User, bool, error) {
	user, err := a.Register(ctx, Account{
		Email:       email,
		DisplayName: "Administrator",
		Credential:  password,
		Role:        models.RoleAdmin,
		Identity:    identity,
	})
	if errors.Is(err, ErrEmailExists) {
		existing, err := a.storage.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}
