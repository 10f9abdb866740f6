package resolve

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Account is a configured proxy-auth credential: a username and a bcrypt
// hash of its password. Adapted from caddyauth's Account/Comparer split
// (modules/caddyhttp/caddyauth/basicauth.go), trimmed to the one hash
// algorithm this module needs and without the constant-time
// quickHash-for-length-normalization step caddyauth adds for its
// multi-algorithm Comparer interface.
type Account struct {
	Username string
	Password []byte // bcrypt hash, e.g. from bcrypt.GenerateFromPassword
}

// Comparer securely compares a plaintext password against a stored hash.
type Comparer interface {
	Compare(hashedPassword, plaintextPassword []byte) (bool, error)
}

// BcryptComparer is the default, and only currently built-in, Comparer.
type BcryptComparer struct{}

func (BcryptComparer) Compare(hashed, plaintext []byte) (bool, error) {
	err := bcrypt.CompareHashAndPassword(hashed, plaintext)
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
