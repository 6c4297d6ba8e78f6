// Package secret hashes and verifies ledger account secrets with bcrypt.
package secret

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCost reports a bcrypt cost outside the supported range.
var ErrInvalidCost = errors.New("invalid bcrypt cost")

// Bcrypt implements ledger.SecretVerifier.
type Bcrypt struct {
	cost int
}

// NewBcrypt returns a hasher. A zero cost selects bcrypt.DefaultCost.
func NewBcrypt(cost int) (*Bcrypt, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidCost, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Bcrypt{cost: cost}, nil
}

// Hash returns the bcrypt hash of secret.
func (hasher *Bcrypt) Hash(secret ledger.Secret) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret.Plaintext()), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Matches reports whether secret hashes to hash. A missing or malformed hash never matches.
func (hasher *Bcrypt) Matches(secret ledger.Secret, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret.Plaintext())) == nil
}
