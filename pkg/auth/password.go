// Package auth provides the identity and token service: registration,
// login, token issue/refresh/validate/revoke, and password storage.
package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// PasswordHasher wraps bcrypt with a configurable cost. The cost is encoded
// in the hash itself, so raising it upgrades users transparently on their
// next successful login.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher creates a hasher with the given bcrypt cost
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash produces a salted hash of the password
func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "hash password", err)
	}
	return string(hash), nil
}

// Compare checks a password against a stored hash
func (h *PasswordHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NeedsUpgrade reports whether the stored hash uses an older cost than the
// configured one
func (h *PasswordHasher) NeedsUpgrade(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	return err == nil && cost < h.cost
}
