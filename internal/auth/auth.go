// Package auth guards the admin surface with a single bcrypt-hashed
// admin key carried in the X-Admin-Key header.
package auth

import (
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

const adminKeyHeader = "X-Admin-Key"

// Verifier checks admin credentials. Disabled mode admits everything,
// which keeps local development friction-free.
type Verifier struct {
	enabled bool
	hash    []byte
}

func NewVerifier(enabled bool, bcryptHash string) *Verifier {
	return &Verifier{enabled: enabled, hash: []byte(bcryptHash)}
}

// HashKey produces a bcrypt hash suitable for ADMIN_KEY_HASH.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (v *Verifier) Verify(key string) error {
	if !v.enabled {
		return nil
	}
	if len(v.hash) == 0 || key == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// Middleware rejects requests whose admin key does not verify.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r.Header.Get(adminKeyHeader)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
