package credits

import (
	"context"
	"fmt"

	apierrors "github.com/meridianpay/gateway/internal/errors"
	"github.com/meridianpay/gateway/internal/storage"
)

// Service authorizes payments against a user's internal credits balance:
// verify the caller's JWT, place a hold with the sibling identity service,
// and mirror that hold locally so order history and coupon checks can see
// it without a round trip back to the identity service.
type Service struct {
	auth   *Authenticator
	ledger *LedgerClient
	store  storage.CommerceStore
}

// NewService builds a credits Service. store may be nil if the active
// storage backend doesn't implement storage.CommerceStore, in which case
// holds are placed with the identity service but not locally mirrored.
func NewService(auth *Authenticator, ledger *LedgerClient, store storage.CommerceStore) *Service {
	return &Service{auth: auth, ledger: ledger, store: store}
}

// Authenticate verifies a bearer token and returns the caller's identity.
func (s *Service) Authenticate(ctx context.Context, bearerToken string) (Identity, error) {
	return s.auth.Authenticate(ctx, bearerToken)
}

// AuthorizeHold places a hold for amount against identity's balance,
// idempotent on idempotencyKey, and mirrors it into local storage when a
// CommerceStore is available.
func (s *Service) AuthorizeHold(ctx context.Context, identity Identity, resourceID, idempotencyKey string, amount int64) (storage.CreditsHold, error) {
	if amount <= 0 {
		return storage.CreditsHold{}, &RailError{Code: apierrors.ErrCodeInvalidAmount, Err: fmt.Errorf("hold amount must be positive")}
	}

	result, err := s.ledger.CreateHold(ctx, identity.TenantID, identity.UserID, idempotencyKey, amount)
	if err != nil {
		return storage.CreditsHold{}, err
	}

	hold := storage.CreditsHold{
		ID:             result.HoldID,
		TenantID:       identity.TenantID,
		UserID:         identity.UserID,
		ResourceID:     resourceID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Status:         storage.CreditsHoldStatusHeld,
	}

	if s.store == nil {
		return hold, nil
	}

	stored, err := s.store.CreateCreditsHold(ctx, hold)
	if err != nil && err != storage.ErrCreditsHoldExists {
		// The identity service already committed the hold; a local mirroring
		// failure shouldn't strand it, but the caller needs to know so it
		// can be reconciled out of band.
		return stored, fmt.Errorf("credits: hold %s placed but not mirrored locally: %w", result.HoldID, err)
	}
	return stored, nil
}

// Capture finalizes a hold as a real debit.
func (s *Service) Capture(ctx context.Context, tenantID, holdID string) error {
	if err := s.ledger.CaptureHold(ctx, tenantID, holdID); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	return s.store.CaptureCreditsHold(ctx, holdID)
}

// Release cancels a hold, returning the amount to the user's balance.
func (s *Service) Release(ctx context.Context, tenantID, holdID string) error {
	if err := s.ledger.ReleaseHold(ctx, tenantID, holdID); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	return s.store.ReleaseCreditsHold(ctx, holdID)
}
