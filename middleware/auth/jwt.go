// Package auth implements the Authentication middlewares of spec §4.9:
// JWT, API key, and Basic auth providers tried in priority order by an
// Orchestrator, which stores the resolved AuthenticationContext in the
// request Context's MiddlewareData and mirrors it into UserData.
//
// Grounded on 2lar-b2's pkg/auth/jwt.go (RS256/HS256 JWTValidator over
// golang-jwt/jwt/v5, issuer/audience validation, a Claims type embedding
// jwt.RegisteredClaims) adapted from a standalone validator into a
// middleware.Middleware.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/otero/cachefabric/pkg/errs"
)

// Claims is the JWT payload this cache platform expects: a subject plus
// roles/permissions used by the authorization middlewares downstream.
type Claims struct {
	UserID      string   `json:"sub"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTConfig configures the JWT provider.
type JWTConfig struct {
	SigningMethod string // HS256 or RS256
	SecretKey     string
	PublicKeyPEM  string
	Issuer        string
	Audience      []string
	Leeway        time.Duration
}

// JWTProvider validates bearer tokens from the Authorization header.
type JWTProvider struct {
	cfg           JWTConfig
	signingMethod jwt.SigningMethod
	key           interface{}
}

// NewJWTProvider builds a JWTProvider, parsing the configured key material
// eagerly so a misconfiguration surfaces at startup rather than on the
// first request.
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	p := &JWTProvider{cfg: cfg}

	switch cfg.SigningMethod {
	case "", "HS256":
		p.signingMethod = jwt.SigningMethodHS256
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("auth: HS256 requires a secret key")
		}
		p.key = []byte(cfg.SecretKey)
	case "RS256":
		p.signingMethod = jwt.SigningMethodRS256
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parsing RS256 public key: %w", err)
		}
		p.key = key
	default:
		return nil, fmt.Errorf("auth: unsupported signing method %q", cfg.SigningMethod)
	}
	return p, nil
}

// Authenticate validates the bearer token and returns the resolved
// authentication context, or an error describing why it was rejected.
func (p *JWTProvider) Authenticate(r *Request) (*AuthenticationContext, error) {
	header := r.Header("Authorization")
	if header == "" {
		return nil, errNoCredentials
	}
	if !strings.HasPrefix(header, "Bearer") {
		return nil, errNoCredentials
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if tokenString == "" {
		return nil, errNoCredentials
	}

	claims := &Claims{}
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(p.cfg.Leeway)}
	if p.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.cfg.Issuer))
	}
	if len(p.cfg.Audience) > 0 {
		parserOpts = append(parserOpts, jwt.WithAudience(p.cfg.Audience...))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != p.signingMethod.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return p.key, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthenticated, err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token missing subject", errs.ErrUnauthenticated)
	}

	return &AuthenticationContext{
		Authenticated: true,
		Provider:      "jwt",
		UserID:        claims.UserID,
		Username:      claims.Username,
		Email:         claims.Email,
		Roles:         claims.Roles,
		Permissions:   claims.Permissions,
		RawClaims:     claims,
	}, nil
}

// Name identifies this provider for logging and rule configuration.
func (p *JWTProvider) Name() string { return "jwt" }

// Request is the transport-agnostic view a Provider needs of the inbound
// request; the Orchestrator adapts middleware.Context into one of these.
type Request struct {
	Headers http.Header
	Query   map[string][]string
}

// Header looks up a header value case-insensitively, as http.Header does.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}
