// Package validation provides input validation helpers for the Flotilla API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// peerAddressRegex validates fleet peer addresses (secp256k1, eth-style)
	peerAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex validates hex strings (signatures, digests, preimages)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects requests whose :address URL param is
// not a well-formed peer address. No-op when the param is absent.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidPeerAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "Address must be a 0x-prefixed 40 character hex peer address",
			})
			return
		}
		c.Next()
	}
}

// IsValidPeerAddress checks if a string is a valid peer address
func IsValidPeerAddress(addr string) bool {
	return peerAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeAddress normalizes a peer address to canonical lowercase form
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field errors.
type Errors []FieldError

// Error renders the errors as a single message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Validate collects non-nil field errors.
func Validate(checks ...*FieldError) Errors {
	var errs Errors
	for _, c := range checks {
		if c != nil {
			errs = append(errs, *c)
		}
	}
	return errs
}

// ValidAddress returns an error if addr is not a valid peer address.
func ValidAddress(field, addr string) *FieldError {
	if !IsValidPeerAddress(SanitizeAddress(addr)) {
		return &FieldError{Field: field, Message: "must be a 0x-prefixed 40-char hex address"}
	}
	return nil
}

// ValidAmount returns an error if s is not a non-negative integer unit count.
func ValidAmount(field, s string) *FieldError {
	if s == "" {
		return &FieldError{Field: field, Message: "required"}
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return &FieldError{Field: field, Message: "must be a non-negative integer in smallest units"}
		}
	}
	return nil
}

// ValidHex returns an error if s is not a hex string of exactly byteLen bytes.
func ValidHex(field, s string, byteLen int) *FieldError {
	trimmed := strings.TrimPrefix(s, "0x")
	if !hexRegex.MatchString(s) || len(trimmed) != byteLen*2 {
		return &FieldError{Field: field, Message: "must be hex"}
	}
	return nil
}
