package moderation

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptCost        = 16384
	scryptBlockSize   = 8
	scryptParallelism = 1
	scryptKeyLen      = 64
)

var errTokenMismatch = errors.New("confirmation token does not match")

// newConfirmationToken returns a random token for an out-of-band confirmation
// link, and the salted hash to store in its place.
func newConfirmationToken() (token, hash string, err error) {
	token, err = randomToken()
	if err != nil {
		return "", "", err
	}
	hash, err = hashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hash, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(buf)
	dk, err := scrypt.Key([]byte(token), []byte(salt), scryptCost, scryptBlockSize, scryptParallelism, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return salt + ":" + hex.EncodeToString(dk), nil
}

func verifyToken(storedHash, token string) error {
	salt, hashed, ok := strings.Cut(storedHash, ":")
	if !ok {
		return errTokenMismatch
	}
	dk, err := scrypt.Key([]byte(token), []byte(salt), scryptCost, scryptBlockSize, scryptParallelism, scryptKeyLen)
	if err != nil {
		return err
	}
	dst := make([]byte, hex.EncodedLen(len(dk)))
	hex.Encode(dst, dk)

	if subtle.ConstantTimeCompare([]byte(hashed), dst) != 1 {
		return errTokenMismatch
	}
	return nil
}
