package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// securityCodeAlphabet omits 0, 1, I and O which are easily misread
const securityCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateSecurityCode returns a random code of the given length drawn
// uniformly from securityCodeAlphabet.
func GenerateSecurityCode(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("security code length must be positive")
	}
	max := big.NewInt(int64(len(securityCodeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate security code: %w", err)
		}
		code[i] = securityCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
