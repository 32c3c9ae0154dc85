package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianpay/gateway/internal/circuitbreaker"
	apierrors "github.com/meridianpay/gateway/internal/errors"
)

// LedgerClient talks to the sibling identity service that owns the
// authoritative credits balance. This gateway never debits a balance
// directly - it only places, captures, and releases holds against it, the
// same auth/capture/void shape as the card rail uses against Stripe.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
}

// NewLedgerClient builds a LedgerClient. breaker may be nil to disable
// circuit breaking.
func NewLedgerClient(baseURL string, httpClient *http.Client, breaker *circuitbreaker.Manager) *LedgerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &LedgerClient{baseURL: baseURL, httpClient: httpClient, breaker: breaker}
}

// Balance is the user's current available credits balance, in the
// gateway's atomic unit (matches money.Money.Atomic for the credits asset).
type Balance struct {
	UserID    string `json:"userId"`
	Available int64  `json:"available"`
}

// CreateHoldResult is the identity service's response to a hold request.
type CreateHoldResult struct {
	HoldID string `json:"holdId"`
}

// CheckBalance returns userID's available balance.
func (c *LedgerClient) CheckBalance(ctx context.Context, tenantID, userID string) (Balance, error) {
	var balance Balance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/tenants/%s/users/%s/balance", tenantID, userID), nil, &balance)
	return balance, err
}

// CreateHold places a provisional debit of amount against userID's balance,
// idempotent on idempotencyKey.
func (c *LedgerClient) CreateHold(ctx context.Context, tenantID, userID, idempotencyKey string, amount int64) (CreateHoldResult, error) {
	var result CreateHoldResult
	body := map[string]interface{}{
		"userId":         userID,
		"amount":         amount,
		"idempotencyKey": idempotencyKey,
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tenants/%s/holds", tenantID), body, &result)
	if err != nil {
		return result, err
	}
	if result.HoldID == "" {
		return result, fmt.Errorf("credits: identity service returned empty hold id")
	}
	return result, nil
}

// CaptureHold converts a hold into a final debit.
func (c *LedgerClient) CaptureHold(ctx context.Context, tenantID, holdID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tenants/%s/holds/%s/capture", tenantID, holdID), nil, nil)
}

// ReleaseHold cancels a hold, returning the held amount to the user's
// available balance.
func (c *LedgerClient) ReleaseHold(ctx context.Context, tenantID, holdID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/tenants/%s/holds/%s/release", tenantID, holdID), nil, nil)
}

func (c *LedgerClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	call := func() (interface{}, error) {
		return nil, c.doRequest(ctx, method, path, body, out)
	}

	if c.breaker == nil {
		_, err := call()
		return err
	}
	_, err := c.breaker.Execute(circuitbreaker.ServiceCredits, call)
	return err
}

func (c *LedgerClient) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("credits: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("credits: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RailError{Code: apierrors.ErrCodeCreditsServiceError, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("credits: decode response: %w", err)
			}
		}
		return nil
	case http.StatusNotFound:
		return &RailError{Code: apierrors.ErrCodeCreditsUserNotFound, Err: fmt.Errorf("not found")}
	case http.StatusConflict:
		return &RailError{Code: apierrors.ErrCodeHoldAlreadyProcessed, Err: fmt.Errorf("conflict")}
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return &RailError{Code: apierrors.ErrCodeInsufficientCredits, Err: fmt.Errorf("insufficient balance")}
	default:
		return &RailError{Code: apierrors.ErrCodeCreditsServiceError, Err: fmt.Errorf("identity service returned status %d", resp.StatusCode)}
	}
}

// RailError classifies a credits-rail failure with a machine-readable code,
// mirroring pkg/x402.VerificationError for the on-chain rail.
type RailError struct {
	Code apierrors.ErrorCode
	Err  error
}

func (e *RailError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RailError) Unwrap() error { return e.Err }
