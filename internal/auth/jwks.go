package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
)

// ErrKeyNotFound is returned when the token's kid matches no key in the
// issuer's JWKS document.
var ErrKeyNotFound = errors.New("signing key not found")

// jwk is one RSA signing key as served by the issuer's JWKS endpoint.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwksCache fetches the issuer's signing keys and caches them for the
// configured TTL. A fetch failure serves the stale cache when one
// exists, so a brief issuer outage does not reject every request.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	log    *logger.Logger

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration, client *http.Client, log *logger.Logger) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: client,
		log:    log,
	}
}

// Key returns the RSA public key for the given kid, refreshing the
// cache when it is older than the TTL.
func (c *jwksCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || time.Since(c.fetchedAt) >= c.ttl {
		if err := c.refreshLocked(ctx); err != nil {
			if c.keys == nil {
				return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
			}
			c.log.Warn("JWKS refresh failed, serving stale cache", zap.Error(err))
		}
	}

	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// refreshLocked fetches and decodes the JWKS document. Caller holds mu.
func (c *jwksCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: unexpected status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.log.Warn("Skipping malformed JWKS key",
				zap.String("kid", k.Kid),
				zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS document contains no usable RSA keys")
	}

	c.keys = keys
	c.fetchedAt = time.Now().UTC()
	return nil
}

// publicKey builds an rsa.PublicKey from the JWK's base64url modulus
// and exponent.
func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
