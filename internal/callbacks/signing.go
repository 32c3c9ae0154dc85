package callbacks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Header names for signed webhook deliveries.
const (
	HeaderEventType = "X-Meridian-Event-Type"
	HeaderDeliveryID = "X-Meridian-Delivery-ID"
	HeaderTimestamp  = "X-Meridian-Timestamp"
	HeaderSignature  = "X-Meridian-Signature"
)

// deriveSigningKey derives a per-tenant HMAC key from the master secret via
// HKDF-SHA256, so a leaked key for one tenant's webhooks never exposes
// another tenant's signing material, even though both come from one secret.
func deriveSigningKey(masterSecret, tenantID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(masterSecret), []byte(tenantID), []byte("meridian-webhook-signing"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}

// SignDelivery computes the headers for a signed webhook delivery. The
// signature covers the delivery ID, timestamp, and canonicalized payload so
// a replayed or tampered delivery is rejected by a verifying receiver.
func SignDelivery(masterSecret, tenantID, eventType string, payload []byte, now time.Time) (map[string]string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	key, err := deriveSigningKey(masterSecret, tenantID)
	if err != nil {
		return nil, err
	}

	deliveryID := uuid.NewString()
	timestamp := fmt.Sprintf("%d", now.Unix())

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(deliveryID))
	mac.Write([]byte("."))
	mac.Write(canonical)
	signature := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		HeaderEventType:  eventType,
		HeaderDeliveryID: deliveryID,
		HeaderTimestamp:  timestamp,
		HeaderSignature:  "sha256=" + signature,
	}, nil
}

// VerifyDelivery recomputes the expected signature for payload and reports
// whether it matches the signature header value, using a constant-time
// comparison to avoid leaking timing information about the secret.
func VerifyDelivery(masterSecret, tenantID, deliveryID, timestamp, signatureHeader string, payload []byte) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	key, err := deriveSigningKey(masterSecret, tenantID)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(deliveryID))
	mac.Write([]byte("."))
	mac.Write(canonical)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
