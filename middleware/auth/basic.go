package auth

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/otero/cachefabric/pkg/errs"
)

// BasicValidator checks a decoded username/password pair and resolves the
// identity behind it. The provider owns decoding; validation is left to
// the caller's own user store.
type BasicValidator func(username, password string) (*AuthenticationContext, bool)

// BasicProvider authenticates requests carrying HTTP Basic credentials.
type BasicProvider struct {
	validate BasicValidator
}

// NewBasicProvider builds a BasicProvider delegating credential checks to
// validate.
func NewBasicProvider(validate BasicValidator) *BasicProvider {
	return &BasicProvider{validate: validate}
}

// Authenticate implements Provider.
func (p *BasicProvider) Authenticate(r *Request) (*AuthenticationContext, error) {
	header := r.Header("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return nil, errNoCredentials
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed basic auth header", errs.ErrUnauthenticated)
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return nil, fmt.Errorf("%w: malformed basic auth credentials", errs.ErrUnauthenticated)
	}

	authCtx, ok := p.validate(username, password)
	if !ok || authCtx == nil {
		return nil, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthenticated)
	}
	authCtx.Authenticated = true
	authCtx.Provider = "basic"
	return authCtx, nil
}

// Name implements Provider.
func (p *BasicProvider) Name() string { return "basic" }
