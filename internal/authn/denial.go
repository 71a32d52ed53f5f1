package authn

import (
	"fmt"
	"net/http"
)

// Code identifies why a request was denied.
type Code string

const (
	CodeTokenMissing        Code = "token_missing"
	CodeTokenInvalid        Code = "token_invalid"
	CodeEnvironmentMismatch Code = "environment_mismatch"
	CodeInsufficientScope   Code = "insufficient_scope"
)

// Denial is the structured outcome of a failed authentication or
// authorization check. It is an expected result, not a system fault.
type Denial struct {
	Code       Code
	Status     int
	Title      string
	Detail     string
	Extensions map[string]any
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Detail)
}

func denyMissing() *Denial {
	return &Denial{
		Code:   CodeTokenMissing,
		Status: http.StatusUnauthorized,
		Title:  "Unauthenticated",
		Detail: "API token required. Please provide a valid token via the Authorization header or api_key query parameter.",
	}
}

func denyInvalid() *Denial {
	return &Denial{
		Code:   CodeTokenInvalid,
		Status: http.StatusUnauthorized,
		Title:  "Unauthenticated",
		Detail: "Invalid or expired API token",
	}
}

func denyEnvironment() *Denial {
	return &Denial{
		Code:   CodeEnvironmentMismatch,
		Status: http.StatusForbidden,
		Title:  "Forbidden",
		Detail: "Token environment mismatch. This token cannot be used in the current environment.",
	}
}

// DenyScope builds the insufficient_scope denial naming the missing scope.
func DenyScope(required string) *Denial {
	return &Denial{
		Code:       CodeInsufficientScope,
		Status:     http.StatusForbidden,
		Title:      "Forbidden",
		Detail:     "Missing required scope: " + required,
		Extensions: map[string]any{"required_scope": required},
	}
}
