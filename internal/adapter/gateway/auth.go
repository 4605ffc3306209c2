package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"alfred-ai/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	ClientID string
	Roles    []string
}

// Authenticator validates a connect envelope's credential and returns the
// authenticated client's identity. It is the only place the gateway makes
// an authorization decision; everything past Authenticate is connect-scoped
// trust, not per-method permission checking.
type Authenticator interface {
	Authenticate(clientID, credential string) (*ClientInfo, error)
}

// NoneAuthenticator admits every connect request. Used when the deployment
// trusts its network perimeter (e.g. loopback-only, VPN-fenced).
type NoneAuthenticator struct{}

func (NoneAuthenticator) Authenticate(clientID, _ string) (*ClientInfo, error) {
	return &ClientInfo{ClientID: clientID}, nil
}

// TokenAuthenticator authenticates against a mutable set of shared tokens,
// seeded at startup and adjustable at runtime (AddToken/RemoveToken).
// Comparison is constant-time and tokens are stored hashed, never in the
// clear, grounded on the node-token store's hash-and-compare pattern.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	hashes map[[32]byte]struct{}
}

// NewTokenAuthenticator builds a TokenAuthenticator seeded with tokens.
func NewTokenAuthenticator(tokens []string) *TokenAuthenticator {
	a := &TokenAuthenticator{hashes: make(map[[32]byte]struct{}, len(tokens))}
	for _, t := range tokens {
		a.hashes[sha256.Sum256([]byte(t))] = struct{}{}
	}
	return a
}

// AddToken adds a token to the live set.
func (a *TokenAuthenticator) AddToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[sha256.Sum256([]byte(token))] = struct{}{}
}

// RemoveToken removes a token from the live set.
func (a *TokenAuthenticator) RemoveToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.hashes, sha256.Sum256([]byte(token)))
}

// Authenticate accepts credential if it hashes to a member of the current
// token set. The hash is always computed, even against an empty set, so
// the call takes the same time whether or not any token matches.
func (a *TokenAuthenticator) Authenticate(clientID, credential string) (*ClientInfo, error) {
	sum := sha256.Sum256([]byte(credential))
	a.mu.RLock()
	defer a.mu.RUnlock()
	matched := 0
	for h := range a.hashes {
		matched |= subtle.ConstantTimeCompare(h[:], sum[:])
	}
	if matched == 1 {
		return &ClientInfo{ClientID: clientID}, nil
	}
	return nil, domain.NewSubSystemError("gateway", "gateway.authenticate", domain.ErrAuthInvalid, "token not recognized")
}

// PasswordAuthenticator authenticates against a single shared password,
// hashed and compared the same way as TokenAuthenticator but scoped to one
// credential rather than a set (e.g. operator-configured shared secret).
type PasswordAuthenticator struct {
	hash [32]byte
}

// NewPasswordAuthenticator builds a PasswordAuthenticator for one password.
func NewPasswordAuthenticator(password string) *PasswordAuthenticator {
	return &PasswordAuthenticator{hash: sha256.Sum256([]byte(password))}
}

func (a *PasswordAuthenticator) Authenticate(clientID, credential string) (*ClientInfo, error) {
	sum := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(a.hash[:], sum[:]) == 1 {
		return &ClientInfo{ClientID: clientID}, nil
	}
	return nil, domain.NewSubSystemError("gateway", "gateway.authenticate", domain.ErrAuthInvalid, "password mismatch")
}

// TransportIdentityAuthenticator trusts an identity already established by
// the transport layer (e.g. mTLS client certificate, a reverse proxy header
// set by infrastructure the gateway trusts). Credential is the identity the
// transport asserted; the gateway performs no further check on it.
type TransportIdentityAuthenticator struct{}

func (TransportIdentityAuthenticator) Authenticate(clientID, credential string) (*ClientInfo, error) {
	if credential == "" {
		return nil, domain.NewSubSystemError("gateway", "gateway.authenticate", domain.ErrAuthRequired, "no transport identity asserted")
	}
	return &ClientInfo{ClientID: clientID}, nil
}
