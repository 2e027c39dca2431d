// Package oauth verifies OpenID Connect id_tokens issued by Google so the
// authentication core can federate the asserted e-mail.
package oauth

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
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	GoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultKeyCacheTTL = time.Hour
)

var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	ErrInvalidIDToken   = errors.New("invalid id_token")
	ErrEmailNotVerified = errors.New("id_token email is not verified")
)

type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

type VerifierConfig struct {
	ClientID    string
	Issuers     []string
	JWKSURL     string
	HTTPClient  *http.Client
	KeyCacheTTL time.Duration
	Now         func() time.Time
}

type Verifier struct {
	clientID   string
	issuers    []string
	jwksURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	Name          string `json:"name"`
}

func NewGoogleVerifier(clientID string) *Verifier {
	return NewVerifier(VerifierConfig{ClientID: clientID})
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	issuers := cfg.Issuers
	if len(issuers) == 0 {
		issuers = GoogleIssuers
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = GoogleJWKSURL
	}
	cacheTTL := cfg.KeyCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultKeyCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Verifier{
		clientID:   strings.TrimSpace(cfg.ClientID),
		issuers:    issuers,
		jwksURL:    jwksURL,
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		now:        now,
	}
}

// Verify checks signature, issuer, audience, expiry and email_verified.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (Identity, error) {
	rawIDToken = strings.TrimSpace(rawIDToken)
	if rawIDToken == "" || v.clientID == "" {
		return Identity{}, ErrInvalidIDToken
	}

	keys, err := v.keySet(ctx, false)
	if err != nil {
		return Identity{}, err
	}

	claims, err := v.parse(rawIDToken, keys)
	if err != nil && errors.Is(err, errUnknownKey) {
		// Provider rotated keys since the last fetch.
		if keys, err = v.keySet(ctx, true); err != nil {
			return Identity{}, err
		}
		claims, err = v.parse(rawIDToken, keys)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	if !v.trustedIssuer(claims.Issuer) {
		return Identity{}, fmt.Errorf("%w: untrusted issuer", ErrInvalidIDToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidIDToken)
	}

	identity := Identity{
		Subject:       claims.Subject,
		Email:         strings.ToLower(strings.TrimSpace(claims.Email)),
		EmailVerified: boolClaim(claims.EmailVerified),
		Name:          strings.TrimSpace(claims.Name),
	}
	if identity.Email == "" || !identity.EmailVerified {
		return Identity{}, ErrEmailNotVerified
	}

	return identity, nil
}

var errUnknownKey = errors.New("unknown key id")

func (v *Verifier) parse(raw string, keys map[string]*rsa.PublicKey) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if key, ok := keys[strings.TrimSpace(kid)]; ok {
			return key, nil
		}
		return nil, errUnknownKey
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, ErrInvalidIDToken
	}
	return claims, nil
}

func (v *Verifier) trustedIssuer(issuer string) bool {
	for _, trusted := range v.issuers {
		if issuer == trusted {
			return true
		}
	}
	return false
}

func (v *Verifier) keySet(ctx context.Context, force bool) (map[string]*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !force && v.keys != nil && v.now().Sub(v.fetchedAt) < v.cacheTTL {
		return v.keys, nil
	}

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.keys = keys
	v.fetchedAt = v.now()
	return keys, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("jwks fetch failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range doc.Keys {
		if strings.ToUpper(strings.TrimSpace(key.Kty)) != "RSA" || strings.TrimSpace(key.Kid) == "" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.N))
		if err != nil {
			return nil, fmt.Errorf("decode jwks n: %w", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.E))
		if err != nil {
			return nil, fmt.Errorf("decode jwks e: %w", err)
		}
		eBig := new(big.Int).SetBytes(eBytes)
		if !eBig.IsInt64() || eBig.Int64() <= 1 {
			return nil, fmt.Errorf("invalid jwks exponent for key %s", key.Kid)
		}

		keys[strings.TrimSpace(key.Kid)] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(eBig.Int64()),
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no RSA keys found in jwks")
	}
	return keys, nil
}

func boolClaim(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}
