package credits

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// jwk is a single entry from a JWKS document (RFC 7517), restricted to the
// RSA fields the credits-issuing identity service actually emits.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwksCacheTTL bounds how long a fetched key set is trusted before being
// re-fetched, so a rotated or revoked signing key is picked up promptly.
const jwksCacheTTL = 10 * time.Minute

// KeySource resolves a JWT "kid" to the RSA public key that signed it,
// fetching the identity service's JWKS endpoint on a miss and caching the
// result in Redis (shared across replicas) with an in-memory fallback so a
// Redis outage degrades to per-process caching instead of hard-failing.
type KeySource struct {
	jwksURL    string
	httpClient *http.Client
	redis      *redis.Client

	mu        sync.RWMutex
	localKeys map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeySource builds a KeySource. rdb may be nil, in which case only the
// in-memory cache is used.
func NewKeySource(jwksURL string, httpClient *http.Client, rdb *redis.Client) *KeySource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &KeySource{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		redis:      rdb,
		localKeys:  make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for kid, refreshing the cache if it's
// stale or the key is unknown.
func (k *KeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.localKeys[kid]
	fresh := time.Since(k.fetchedAt) < jwksCacheTTL
	k.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	// A known-but-stale key may be refreshed from the shared Redis copy; an
	// unknown kid goes to the endpoint so a rotated key is picked up.
	if err := k.refresh(ctx, ok); err != nil {
		// Serve a stale-but-known key rather than fail outright if the
		// refresh itself failed (e.g. identity service briefly down).
		k.mu.RLock()
		key, ok := k.localKeys[kid]
		k.mu.RUnlock()
		if ok {
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	key, ok = k.localKeys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("credits: unknown signing key %q", kid)
	}
	return key, nil
}

func (k *KeySource) refresh(ctx context.Context, useShared bool) error {
	if useShared && k.redis != nil {
		if doc, err := k.readCachedDocument(ctx); err == nil {
			return k.applyDocument(doc)
		}
	}

	doc, err := k.fetchDocument(ctx)
	if err != nil {
		return err
	}

	if k.redis != nil {
		if raw, err := json.Marshal(doc); err == nil {
			k.redis.Set(ctx, jwksRedisKey(k.jwksURL), raw, jwksCacheTTL)
		}
	}

	return k.applyDocument(doc)
}

func (k *KeySource) readCachedDocument(ctx context.Context) (jwksDocument, error) {
	var doc jwksDocument
	raw, err := k.redis.Get(ctx, jwksRedisKey(k.jwksURL)).Bytes()
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (k *KeySource) fetchDocument(ctx context.Context) (jwksDocument, error) {
	var doc jwksDocument
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, nil)
	if err != nil {
		return doc, fmt.Errorf("credits: build jwks request: %w", err)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return doc, fmt.Errorf("credits: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return doc, fmt.Errorf("credits: jwks endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return doc, fmt.Errorf("credits: decode jwks: %w", err)
	}
	return doc, nil
}

func (k *KeySource) applyDocument(doc jwksDocument) error {
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, key := range doc.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("credits: jwks document contained no usable RSA keys")
	}
	k.mu.Lock()
	k.localKeys = keys
	k.fetchedAt = time.Now()
	k.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(key jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func jwksRedisKey(jwksURL string) string {
	return "meridian:credits:jwks:" + jwksURL
}
