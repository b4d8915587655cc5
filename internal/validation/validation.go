// Package validation holds the request-field validators used at API
// boundaries. Validators are composable: each returns nil or a FieldError,
// and Validate collects the failures.
package validation

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxStringLength caps free-form string fields.
	MaxStringLength = 10000
)

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FieldError names the offending field and what is wrong with it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is the collected validation failures for one request.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validator checks one field.
type Validator func() *FieldError

// Validate runs every validator and collects the failures.
func Validate(validators ...Validator) FieldErrors {
	var errs FieldErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails on empty or whitespace-only values.
func Required(field, value string) Validator {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidLink accepts well-formed http(s) URLs. Empty values pass; combine
// with Required when the field is mandatory.
func ValidLink(field, value string) Validator {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidLink(value) {
			return &FieldError{Field: field, Message: "must be a valid http(s) URL"}
		}
		return nil
	}
}

// MaxLength fails when the value exceeds max bytes.
func MaxLength(field, value string, max int) Validator {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount accepts strictly positive decimal strings: digits with at
// most one interior decimal point. Empty values pass.
func ValidAmount(field, value string) Validator {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		bad := &FieldError{Field: field, Message: "invalid amount format"}
		dots := 0
		nonZero := false
		for i, c := range value {
			switch {
			case c == '.':
				dots++
				if dots > 1 || i == 0 || i == len(value)-1 {
					return bad
				}
			case c < '0' || c > '9':
				return bad
			case c != '0':
				nonZero = true
			}
		}
		if !nonZero {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ValidQuantity accepts strictly positive counts.
func ValidQuantity(field string, value int64) Validator {
	return func() *FieldError {
		if value <= 0 {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// IsValidLink reports whether link parses as an http(s) URL with a host.
func IsValidLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SanitizeString trims whitespace, truncates to maxLen bytes, and strips
// null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
