package paywall

import (
	"context"
	"fmt"

	"github.com/meridianpay/gateway/internal/coupons"
	"github.com/meridianpay/gateway/internal/credits"
)

// SetCreditsService wires the credits rail into the paywall. Optional: a
// deployment that doesn't offer the credits rail simply never calls this,
// and AuthorizeCredits below returns errCreditsRailDisabled.
func (s *Service) SetCreditsService(svc *credits.Service) {
	s.credits = svc
}

var errCreditsRailDisabled = fmt.Errorf("paywall: credits rail not configured")

// AuthorizeCredits grants access to resourceID by placing a hold against
// the caller's internal credits balance. Unlike the x402 rail, the caller's
// identity is known from the verified JWT before any hold is placed, so a
// FirstPurchaseOnly coupon can be checked up front instead of after the
// fact - a repeat customer's coupon is not applied and the hold is placed
// for the undiscounted amount.
func (s *Service) AuthorizeCredits(ctx context.Context, resourceID, bearerToken, idempotencyKey, couponCode string) (AuthorizationResult, error) {
	if s.credits == nil {
		return AuthorizationResult{}, errCreditsRailDisabled
	}

	resource, err := s.ResourceDefinition(ctx, resourceID)
	if err != nil {
		return AuthorizationResult{}, err
	}
	if resource.FiatAmountCents <= 0 {
		return AuthorizationResult{}, fmt.Errorf("resource has no credits pricing configured")
	}

	identity, err := s.credits.Authenticate(ctx, bearerToken)
	if err != nil {
		return AuthorizationResult{}, fmt.Errorf("authenticate credits token: %w", err)
	}

	amount := resource.FiatAmountCents
	if coupon := s.validateManualCouponForCustomer(ctx, couponCode, resourceID, coupons.PaymentMethodCredits, identity.UserID); coupon != nil {
		discounted, err := applyCouponToAtomicAmount(*coupon, amount)
		if err != nil {
			return AuthorizationResult{}, fmt.Errorf("apply coupon: %w", err)
		}
		amount = discounted
	}
	if amount <= 0 {
		return AuthorizationResult{}, fmt.Errorf("discounted amount must be positive")
	}

	hold, err := s.credits.AuthorizeHold(ctx, identity, resourceID, idempotencyKey, amount)
	if err != nil {
		return AuthorizationResult{}, fmt.Errorf("authorize credits hold: %w", err)
	}

	if err := s.credits.Capture(ctx, identity.TenantID, hold.ID); err != nil {
		return AuthorizationResult{}, fmt.Errorf("capture credits hold: %w", err)
	}

	return AuthorizationResult{Granted: true, Method: "credits", Wallet: identity.UserID}, nil
}

// applyCouponToAtomicAmount discounts a fiat-cents amount by coupon,
// mirroring the percentage/fixed discount math internal/money applies to
// the card and on-chain rails but operating directly on cents since the
// credits ledger isn't a money.Asset.
func applyCouponToAtomicAmount(coupon coupons.Coupon, amount int64) (int64, error) {
	switch coupon.DiscountType {
	case coupons.DiscountTypePercentage:
		discount := int64(float64(amount) * coupon.DiscountValue / 100.0)
		result := amount - discount
		if result < 0 {
			result = 0
		}
		return result, nil
	case coupons.DiscountTypeFixed:
		if coupon.Currency != "" && coupon.Currency != "usd" {
			return amount, nil
		}
		discount := int64(coupon.DiscountValue * 100)
		result := amount - discount
		if result < 0 {
			result = 0
		}
		return result, nil
	default:
		return amount, fmt.Errorf("unknown discount type %q", coupon.DiscountType)
	}
}
