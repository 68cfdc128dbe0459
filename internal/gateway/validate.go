package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/claimspipe/backend/internal/middleware"
)

var validate = validator.New()

// FieldError is one entry of a validation failure's details list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeValidationError emits a 400 with the field-path list.
func writeValidationError(w http.ResponseWriter, r *http.Request, fields []FieldError) {
	middleware.WriteErrorDetails(w, r, http.StatusBadRequest,
		middleware.CodeValidationError, "request validation failed", fields)
}

// structErrors flattens validator errors into field paths. The leading
// struct name is dropped and the JSON casing of the remainder is kept
// lowercase-first for readability.
func structErrors(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "body", Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		out = append(out, FieldError{
			Field:   path,
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
	}
	return out
}

// validatePayload checks the recognized field conventions inside an
// otherwise opaque record payload: email and phone shapes, UUID
// references, and money fields limited to four fractional digits. Paths
// are reported in dotted form with array indices.
func validatePayload(payload []byte) []FieldError {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return []FieldError{{Field: "body", Message: "invalid JSON"}}
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return []FieldError{{Field: "body", Message: "payload must be a JSON object"}}
	}
	var errs []FieldError
	walkPayload("", doc, &errs)
	return errs
}

func walkPayload(path string, v interface{}, errs *[]FieldError) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			checkField(childPath, k, child, errs)
			walkPayload(childPath, child, errs)
		}
	case []interface{}:
		for i, child := range val {
			walkPayload(fmt.Sprintf("%s[%d]", path, i), child, errs)
		}
	}
}

func checkField(path, key string, v interface{}, errs *[]FieldError) {
	lower := strings.ToLower(key)
	switch {
	case isMoneyField(lower):
		if n, ok := v.(json.Number); ok && fractionalDigits(n.String()) > 4 {
			*errs = append(*errs, FieldError{Field: path, Message: "money values allow at most 4 fractional digits"})
		}
	case lower == "email" || strings.HasSuffix(lower, "_email"):
		if s, ok := v.(string); ok && s != "" {
			if validate.Var(s, "email") != nil {
				*errs = append(*errs, FieldError{Field: path, Message: "invalid email address"})
			}
		}
	case lower == "phone" || strings.HasSuffix(lower, "_phone"):
		if s, ok := v.(string); ok && s != "" && !validPhone(s) {
			*errs = append(*errs, FieldError{Field: path, Message: "phone must be 7 to 20 characters of digits, spaces, or +-()"})
		}
	case strings.HasSuffix(lower, "_uuid") || lower == "demographic_id":
		if s, ok := v.(string); ok && s != "" {
			if validate.Var(s, "uuid") != nil {
				*errs = append(*errs, FieldError{Field: path, Message: "must be a UUID"})
			}
		}
	}
}

func isMoneyField(key string) bool {
	return strings.Contains(key, "amount") ||
		strings.HasSuffix(key, "_fee") ||
		strings.HasSuffix(key, "_cost") ||
		strings.HasSuffix(key, "_total")
}

func fractionalDigits(s string) int {
	// Exponent forms are left to the consumer; only plain decimals carry
	// a meaningful scale here.
	if strings.ContainsAny(s, "eE") {
		return 0
	}
	if i := strings.Index(s, "."); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func validPhone(s string) bool {
	if len(s) < 7 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ' || r == '+' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return true
}
