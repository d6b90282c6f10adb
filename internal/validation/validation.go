// Package validation checks request inputs (addresses, invoice ids, hex
// payloads) before they reach the engine.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Relay payloads
// are a signature plus ABI calldata.
const MaxRequestSize = 64 << 10

var (
	addressRegex   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	invoiceIDRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// IsValidInvoiceID checks for a 0x-prefixed 32-byte hex identifier.
func IsValidInvoiceID(id string) bool {
	return invoiceIDRegex.MatchString(id)
}

// ParseAddress parses a strictly formatted address.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !IsValidAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// ParseInvoiceID parses a strictly formatted invoice id.
func ParseInvoiceID(s string) (common.Hash, bool) {
	s = strings.TrimSpace(s)
	if !IsValidInvoiceID(s) {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

// ParseHex decodes a 0x-prefixed hex string.
func ParseHex(s string) ([]byte, bool) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return nil, false
	}
	return b, true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a non-empty field is an address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a 0x-prefixed 20-byte hex address"}
		}
		return nil
	}
}

// ValidHex checks if a non-empty field is 0x-prefixed hex of at most maxBytes.
func ValidHex(field, value string, maxBytes int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		b, ok := ParseHex(value)
		if !ok {
			return &ValidationError{Field: field, Message: "must be 0x-prefixed hex"}
		}
		if maxBytes > 0 && len(b) > maxBytes {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters.
func AddressParamMiddleware() gin.HandlerFunc {
	return paramMiddleware("address", IsValidAddress, "invalid_address",
		"address must be 0x + 40 hex chars")
}

// InvoiceParamMiddleware rejects malformed :invoiceId URL parameters.
func InvoiceParamMiddleware() gin.HandlerFunc {
	return paramMiddleware("invoiceId", IsValidInvoiceID, "invalid_invoice_id",
		"invoiceId must be 0x + 64 hex chars")
}

func paramMiddleware(name string, ok func(string) bool, code, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !ok(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   code,
				"message": message,
			})
			return
		}
		c.Next()
	}
}
