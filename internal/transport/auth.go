package transport

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/model"
)

const (
	// clockSkew is the leeway allowed on exp, nbf and iat.
	clockSkew = 30 * time.Second

	// minKeyRefresh throttles refreshes triggered by unknown key IDs.
	minKeyRefresh = 5 * time.Minute

	maxKeySetBytes = 1 << 20
)

var (
	errUnknownKey   = errors.New("unknown signing key")
	errMissingKeyID = errors.New("token header carries no kid")
)

// SigningKeys caches the identity provider's RSA signing keys by key ID.
// Concurrent refreshes collapse into a single fetch.
type SigningKeys struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *zap.Logger
	fetch  singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewSigningKeys creates a key cache for the JWKS document at url. Keys are
// re-fetched once they are older than ttl.
func NewSigningKeys(url string, ttl time.Duration, logger *zap.Logger) *SigningKeys {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SigningKeys{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the verification key for kid. A stale key is still served when
// the provider cannot be reached.
func (k *SigningKeys) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, age, populated := k.lookup(kid)
	switch {
	case key != nil && age < k.ttl:
		return key, nil
	case key == nil && populated && age < minKeyRefresh:
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}

	_, err, _ := k.fetch.Do("keys", func() (any, error) {
		// A fetch that finished since the lookup may already hold the key.
		if fresh, age, _ := k.lookup(kid); fresh != nil && age < k.ttl {
			return nil, nil
		}
		return nil, k.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		if key != nil {
			k.logger.Warn("signing key refresh failed, serving cached key",
				zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("fetch signing keys: %w", err)
	}

	if key, _, _ = k.lookup(kid); key == nil {
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}
	return key, nil
}

func (k *SigningKeys) lookup(kid string) (key *rsa.PublicKey, age time.Duration, populated bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[kid], time.Since(k.fetched), len(k.keys) > 0
}

// jsonWebKey holds the members of an RSA JWK this service reads.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *SigningKeys) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&doc); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" || jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.publicKey()
		if err != nil {
			k.logger.Warn("signing key skipped", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = pub
	}

	k.mu.Lock()
	k.keys = keys
	k.fetched = time.Now()
	k.mu.Unlock()
	k.logger.Debug("signing keys refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (j jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	if j.N == "" || j.E == "" {
		return nil, errors.New("modulus or exponent missing")
	}
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// JWTAuthenticator returns middleware that admits requests carrying a bearer
// token signed by one of keys and issued for this service. The verified
// claims are stored in the request context for BuildRequestContext.
func JWTAuthenticator(cfg config.IdentityConfig, keys *SigningKeys) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, errMissingKeyID
				}
				return keys.Key(r.Context(), kid)
			})
			if err != nil {
				WriteError(w, model.NewUnauthenticatedError(rejectionReason(token, err, cfg.Algorithms)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthenticatedError("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", model.NewUnauthenticatedError("Invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}

// rejectionReason is the client-facing message for a refused token.
func rejectionReason(token *jwt.Token, err error, allowed []string) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, errUnknownKey), errors.Is(err, errMissingKeyID):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if token != nil && token.Method != nil && !slices.Contains(allowed, token.Method.Alg()) {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// ClaimMapping names the claims that carry the caller's identity. Paths may
// be dotted to reach nested claims, as in "realm_access.roles".
type ClaimMapping struct {
	Subject string
	Email   string
	Roles   string
}

// NewClaimMapping reads the subject_id, email and roles paths from the
// identity configuration, defaulting to the standard claim names.
func NewClaimMapping(paths map[string]string) ClaimMapping {
	return ClaimMapping{
		Subject: claimPath(paths, "subject_id", "sub"),
		Email:   claimPath(paths, "email", "email"),
		Roles:   claimPath(paths, "roles", "roles"),
	}
}

// Actor builds the caller from verified claims. Role claims are canonicalized
// so ROLE_QUALITY, quality_role and QUALITY all mean QUALITY; roles this
// service does not know are dropped. A token without a subject is refused.
func (m ClaimMapping) Actor(claims map[string]any) (model.Actor, error) {
	actor := model.Actor{
		ID:    claimString(claims, m.Subject),
		Email: claimString(claims, m.Email),
		Roles: capability.CanonicalizeLenient(claimStrings(claims, m.Roles)),
	}
	if actor.ID == "" {
		return model.Actor{}, model.NewUnauthenticatedError("token carries no subject")
	}
	return actor, nil
}

func claimPath(paths map[string]string, key, fallback string) string {
	if p := strings.TrimSpace(paths[key]); p != "" {
		return p
	}
	return fallback
}

func lookupClaim(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	v, _ := lookupClaim(claims, path).(string)
	return v
}

// claimStrings accepts a JSON array of strings or a single space or comma
// separated string.
func claimStrings(claims map[string]any, path string) []string {
	switch v := lookupClaim(claims, path).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	default:
		return nil
	}
}
