// Package validation checks request inputs: addresses, token amounts,
// and request body limits.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x plus 40 hex chars.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// ChecksumAddress returns the EIP-55 checksummed form of an address.
// Contract calls use this form so that case never affects equality.
func ChecksumAddress(addr string) string {
	if !IsValidEthAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// ValidationError names the failing field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects per-field failures from one request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given field checks and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidAddress checks an optional Ethereum address field. Empty values
// pass; pair with a binding:"required" tag when the field is mandatory.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidAmount checks an optional token amount field. Amounts are positive
// integers in the token's minor unit, no decimal point.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if strings.Trim(value, "0123456789") != "" {
			return &ValidationError{Field: field, Message: "must be an integer amount in minor units"}
		}
		if strings.Trim(value, "0") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
