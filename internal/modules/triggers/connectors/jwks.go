package connectors

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	jwksCacheTTL  = time.Hour
)

// oidcVerifier validates Google-signed Pub/Sub push JWTs against the
// published JWKS. Keys are cached for an hour; an unknown kid forces a
// refetch so rotations are picked up immediately.
type oidcVerifier struct {
	http *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newOIDCVerifier(hc *http.Client) *oidcVerifier {
	return &oidcVerifier{http: hc, keys: map[string]*rsa.PublicKey{}}
}

// VerifyIDToken checks signature, issuer, audience, and expiry of a bearer
// id token.
func (v *oidcVerifier) VerifyIDToken(raw, audience string) error {
	_, err := jwtlib.Parse(raw, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.keyFor(kid)
	},
		jwtlib.WithIssuer(googleIssuer),
		jwtlib.WithAudience(audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithValidMethods([]string{"RS256"}),
	)
	return err
}

func (v *oidcVerifier) keyFor(kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key, ok := v.keys[kid]
	stale := time.Since(v.fetchedAt) > jwksCacheTTL
	if ok && !stale {
		return key, nil
	}

	if err := v.refetch(); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok = v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("no jwks key for kid %s", kid)
}

// refetch replaces the key set from the JWKS endpoint. Caller holds the lock.
func (v *oidcVerifier) refetch() error {
	resp, err := v.http.Get(googleJWKSURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks document contained no usable keys")
	}

	v.keys = keys
	v.fetchedAt = time.Now()
	return nil
}

// rsaKeyFromJWK builds a public key from the base64url modulus and exponent
// of one JWK entry.
func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
