package profiles

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError reports a rejected input field with a human-readable
// message. It maps to an HTTP 400 at the boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var dnsLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// validHost accepts a DNS name or an IPv4 literal.
func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.To4() != nil
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if !dnsLabelRe.MatchString(label) {
			return false
		}
	}
	return true
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > 128 {
		return &ValidationError{Field: "name", Message: "name is too long"}
	}
	return nil
}

func validateHost(host string) error {
	if !validHost(host) {
		return &ValidationError{Field: "host", Message: "host must be a DNS name or IPv4 address"}
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: "port", Message: "port must be between 1 and 65535"}
	}
	return nil
}

func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return &ValidationError{Field: "username", Message: "username is required"}
	}
	return nil
}

// validateCredentials enforces consistency between the auth method and the
// supplied secrets: exactly one of password or private key is present, and a
// passphrase only accompanies a private key.
func validateCredentials(c Credentials) error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return &ValidationError{Field: "credentials", Message: "password is required for password auth"}
		}
		if c.PrivateKey != "" || c.Passphrase != "" {
			return &ValidationError{Field: "credentials", Message: "key material not allowed with password auth"}
		}
	case AuthMethodPublicKey:
		if c.PrivateKey == "" {
			return &ValidationError{Field: "credentials", Message: "privateKey is required for publicKey auth"}
		}
		if c.Password != "" {
			return &ValidationError{Field: "credentials", Message: "password not allowed with publicKey auth"}
		}
	default:
		return &ValidationError{Field: "authMethod", Message: "authMethod must be password or publicKey"}
	}
	return nil
}
