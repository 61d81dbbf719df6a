package servicetoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"meetra/internal/util"
)

const (
	// DefaultTokenTTL is the lifetime of tokens this service issues to peers.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is the clock skew tolerated on exp/nbf/iat.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID is used when a key is configured without an explicit kid.
	DefaultKeyID = "internal-active"
	// ResumeAudience is the audience peers use when calling this service.
	ResumeAudience = "resume"
)

var (
	ErrTokenRequired    = errors.New("service token required")
	ErrIssuerNotAllowed = errors.New("service token issuer not allowed")
)

// Caller identifies the internal service behind a verified token.
type Caller struct {
	Service string
	TokenID string
	Expires time.Time
}

// Signer issues short-lived RS256 tokens for outbound calls, for example to
// the remote malware scanner.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *keyPair
}

// SignerOptions configures Signer.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSignerWithOptions loads the private key and returns a Signer.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load internal jwt private key: %w", err)
	}
	return &Signer{
		issuer: issuer,
		ttl:    ttl,
		key:    &keyPair{kid: firstNonEmpty(opts.KeyID, DefaultKeyID), private: key},
	}, nil
}

// Sign issues a token addressed to audience.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        util.NewID(),
	})
	t.Header["kid"] = s.key.kid
	return t.SignedString(s.key.private)
}

// Verifier checks inbound service tokens against one audience and an issuer
// allowlist.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*keyPair
}

// VerifierOptions configures Verifier. PublicKeyPath is registered under
// DefaultKeyID; VerifyPublicKeyMap adds rotated keys by kid.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
}

// NewVerifierWithOptions loads every configured public key.
func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	issuers := make(map[string]struct{}, len(opts.AllowedIssuers))
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v := &Verifier{audience: audience, issuers: issuers, leeway: leeway, keys: map[string]*keyPair{}}

	paths := make(map[string]string, len(opts.VerifyPublicKeyMap)+1)
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		paths[firstNonEmpty(opts.DefaultKeyID, DefaultKeyID)] = path
	}
	for kid, path := range opts.VerifyPublicKeyMap {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid != "" && path != "" {
			paths[kid] = path
		}
	}
	for kid, path := range paths {
		pub, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load internal verify key %q: %w", kid, err)
		}
		v.keys[kid] = &keyPair{kid: kid, public: pub}
	}
	if len(v.keys) == 0 {
		return nil, errors.New("internal service verifier requires rsa public key")
	}
	return v, nil
}

// Verify validates signature, lifetime, audience, issuer, jti and subject.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenRequired
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, ErrIssuerNotAllowed
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("subject required")
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("token key id required")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, errors.New("unknown token key")
	}
	return key.public, nil
}

// VerifyRequest reads the bearer token from r and returns the calling service.
func (v *Verifier) VerifyRequest(r *http.Request) (Caller, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Caller{}, ErrTokenRequired
	}
	claims, err := v.Verify(token)
	if err != nil {
		return Caller{}, err
	}
	caller := Caller{Service: claims.Subject, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		caller.Expires = claims.ExpiresAt.Time
	}
	return caller, nil
}

type callerContextKey struct{}

// ContextWithCaller stores the verified caller on ctx.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller stored by ContextWithCaller.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, found := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !found || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid verify key entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
