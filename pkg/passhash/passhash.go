// Package passhash derives and verifies credential verifiers. Plaintext
// passwords never reach the session store.
package passhash

import "golang.org/x/crypto/bcrypt"

// Hash derives a salted verifier from a plaintext password.
func Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare recomputes the digest from input and compares it against the
// stored verifier in constant time.
func Compare(verifier string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)) == nil
}
