package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	jwksMaxBody        = 1 << 20
	jwksDefaultTimeout = 10 * time.Second
	jwksMinRefresh     = 5 * time.Minute
)

// jsonWebKey holds the RFC 7517 members needed to rebuild a verification key.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// JWKSClient resolves token signing keys from the identity provider's key
// set. Keys are cached for the configured TTL. When a refresh fails, keys
// already held keep verifying tokens.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	fetches    singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient creates a client for the key set published at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: jwksMinRefresh,
		httpClient: &http.Client{Timeout: jwksDefaultTimeout},
		logger:     logger.Named("jwks"),
		keys:       map[string]crypto.PublicKey{},
	}
}

// GetKey returns the public key with the given key ID, fetching the key set
// when the key is unknown or the cache has expired. Concurrent callers share
// one fetch.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	key, fresh := c.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}

	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		return nil, c.refresh()
	})
	if err != nil {
		if key != nil {
			c.logger.Warn("key set refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: refresh: %w", err)
	}

	if key, _ = c.lookup(kid); key == nil {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.fetchedAt) <= c.ttl
}

// refresh replaces the cached key set. Fetches closer together than
// minRefresh are skipped once any key is held, so unknown key IDs cannot
// drive the provider's endpoint.
func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	throttled := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if throttled {
		return nil
	}

	set, err := c.fetch()
	if err != nil {
		return err
	}

	keys := make(map[string]crypto.PublicKey, len(set))
	for _, jwk := range set {
		if jwk.Kid == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("key skipped", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		if key != nil {
			keys[jwk.Kid] = key
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	c.logger.Debug("key set refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (c *JWKSClient) fetch() ([]jsonWebKey, error) {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	return doc.Keys, nil
}

// publicKey rebuilds the verification key. Key types other than RSA and EC
// yield a nil key and no error.
func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaKey()
	case "EC":
		return k.ecKey()
	}
	return nil, nil
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("rsa key needs n and e")
	}
	n, err := decodeBigInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	e, err := decodeBigInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func (k jsonWebKey) ecKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	if k.X == "" || k.Y == "" {
		return nil, errors.New("ec key needs x and y")
	}
	x, err := decodeBigInt(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := decodeBigInt(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
