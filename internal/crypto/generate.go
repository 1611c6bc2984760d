package crypto

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"unicode"
)

const (
	apiKeyCharset   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	passwordCharset = apiKeyCharset + "!@#$%^&*()-_=+[]{}<>?"
	apiKeyLength    = 32
)

// GenerateAPIKey returns a random API-key-shaped string with the given
// prefix, e.g. "sk_3fK9...". The random part is 32 characters drawn from
// a cryptographically secure source.
func GenerateAPIKey(prefix string) (string, error) {
	body, err := randomString(apiKeyCharset, apiKeyLength)
	if err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	if prefix == "" {
		return body, nil
	}
	return prefix + "_" + body, nil
}

// GenerateSecurePassword returns a random password of the given length from
// a fixed character set including symbols. Lengths below 16 are raised to 16.
func GenerateSecurePassword(length int) (string, error) {
	if length < 16 {
		length = 16
	}
	pw, err := randomString(passwordCharset, length)
	if err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return pw, nil
}

func randomString(charset string, length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(charset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(charset[n.Int64()])
	}
	return b.String(), nil
}

// StrengthReport is the result of ValidateStrength.
type StrengthReport struct {
	IsValid         bool     `json:"is_valid"`
	Entropy         float64  `json:"entropy"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ValidateStrength scores a candidate secret value. Entropy is Shannon
// entropy in bits over the whole value; values shorter than 20 characters
// or missing character classes are flagged.
func ValidateStrength(value string) StrengthReport {
	report := StrengthReport{Entropy: shannonEntropy(value)}

	if len(value) < 20 {
		report.Recommendations = append(report.Recommendations,
			"use at least 20 characters")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range value {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		report.Recommendations = append(report.Recommendations, "add uppercase letters")
	}
	if !hasLower {
		report.Recommendations = append(report.Recommendations, "add lowercase letters")
	}
	if !hasDigit {
		report.Recommendations = append(report.Recommendations, "add digits")
	}
	if !hasSymbol {
		report.Recommendations = append(report.Recommendations, "add symbols")
	}

	report.IsValid = len(report.Recommendations) == 0
	return report
}

// shannonEntropy returns total entropy in bits: per-character entropy of the
// observed distribution times the value length.
func shannonEntropy(value string) float64 {
	if value == "" {
		return 0
	}
	freq := map[rune]int{}
	total := 0
	for _, r := range value {
		freq[r]++
		total++
	}
	var perChar float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		perChar -= p * math.Log2(p)
	}
	return perChar * float64(total)
}
