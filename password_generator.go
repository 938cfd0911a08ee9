package accounts

import (
	"crypto/rand"
	"math/big"
)

// PasswordGenerator produces server-side passwords when registration is
// configured to autogenerate them.
type PasswordGenerator interface {
	Generate() (string, error)
}

const passwordCharset = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type randomPasswordGenerator struct {
	length int
}

// NewPasswordGenerator returns a generator producing passwords of the
// given length, defaulting to 8 characters.
func NewPasswordGenerator(length int) PasswordGenerator {
	if length <= 0 {
		length = 8
	}
	return &randomPasswordGenerator{length: length}
}

func (g *randomPasswordGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(passwordCharset)))
	buf := make([]byte, g.length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = passwordCharset[n.Int64()]
	}
	return string(buf), nil
}
