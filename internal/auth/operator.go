// Package auth gates the operator endpoints. Reverts rewrite two upstream
// repos, so they require a shared operator token; read endpoints and the
// webhook (verified by its own signature upstream) do not.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("auth: invalid operator token")

// OperatorVerifier checks presented operator tokens against a bcrypt hash
// configured at startup. No hash means operator endpoints are disabled.
type OperatorVerifier struct {
	tokenHash string
}

func NewOperatorVerifier(tokenHash string) *OperatorVerifier {
	return &OperatorVerifier{tokenHash: tokenHash}
}

// Enabled reports whether an operator token has been configured.
func (v *OperatorVerifier) Enabled() bool {
	return v.tokenHash != ""
}

// Verify checks a presented token. Every failure maps to ErrUnauthorized so
// callers cannot distinguish a wrong token from a disabled verifier.
func (v *OperatorVerifier) Verify(token string) error {
	if v.tokenHash == "" || token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(v.tokenHash), []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashToken produces a bcrypt hash suitable for the verifier's configuration.
// Exposed for the provisioning path that mints operator tokens.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ConstantTimeEqual compares two short secrets without leaking length-zero
// timing. Used for pre-hashed webhook shared secrets.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
