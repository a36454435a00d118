package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

// ErrInvalidCredentials is returned for any login failure. It deliberately
// does not say whether the email or the password was wrong.
var ErrInvalidCredentials = fmt.Errorf("invalid email or password")

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateEmail checks RFC 5322 shape and rejects the display-name forms
// net/mail accepts ("Name <a@b.co>").
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address")
	}
	if !strings.Contains(email, ".") {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidatePasswordStrength enforces the registration policy: at least 8
// characters with one upper-case letter, one lower-case letter and one digit.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("password must contain an upper-case letter, a lower-case letter and a digit")
	}
	return nil
}
