package dataclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/lalithlochan/koperasi/internal/postgrest"
)

// ErrMissingCredentials is returned by the constructors when the project
// URL or the key the client kind needs is not configured.
var ErrMissingCredentials = errors.New("dataclient: missing required credentials")

const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNotFound         = "NOT_FOUND"
	CodeNetwork          = "NETWORK_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnknown          = "UNKNOWN_ERROR"
)

const defaultMessage = "an unknown error occurred"

// ClientError is the single error shape every client operation returns.
type ClientError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`

	cause error
}

func (e *ClientError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ClientError) Unwrap() error {
	return e.cause
}

// IsPermission reports whether err is a capability refusal.
func IsPermission(err error) bool {
	return hasCode(err, CodePermissionDenied)
}

func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

func hasCode(err error, code string) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Code == code
}

func permissionError(op, capability string) *ClientError {
	return &ClientError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s requires the %s capability", op, capability),
	}
}

func validationError(msg string) *ClientError {
	return &ClientError{Code: CodeValidation, Message: msg}
}

// FormatError normalises any failure value into a ClientError. The result
// always has a non-empty Code and Message.
func FormatError(raw any) *ClientError {
	ce := formatError(raw)
	if ce.Code == "" {
		ce.Code = CodeUnknown
	}
	if ce.Message == "" {
		ce.Message = defaultMessage
	}
	return ce
}

func formatError(raw any) *ClientError {
	switch v := raw.(type) {
	case nil:
		return &ClientError{Code: CodeUnknown}
	case *ClientError:
		if v == nil {
			return &ClientError{Code: CodeUnknown}
		}
		c := *v
		return &c
	case string:
		return &ClientError{Code: CodeUnknown, Message: v}
	case map[string]any:
		return &ClientError{
			Code:    stringField(v, "code"),
			Message: stringField(v, "message"),
			Details: stringField(v, "details"),
			Hint:    stringField(v, "hint"),
		}
	case error:
		return fromError(v)
	default:
		return &ClientError{Code: CodeUnknown, Message: fmt.Sprint(v)}
	}
}

func fromError(err error) *ClientError {
	var ce *ClientError
	if errors.As(err, &ce) {
		c := *ce
		return &c
	}

	var pe *postgrest.Error
	if errors.As(err, &pe) {
		return &ClientError{
			Code:    serviceCode(pe),
			Message: pe.Message,
			Details: pe.Details,
			Hint:    pe.Hint,
			cause:   err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ClientError{Code: CodeNetwork, Message: err.Error(), cause: err}
	}
	var ne net.Error
	var ue *url.Error
	if errors.As(err, &ne) || errors.As(err, &ue) {
		return &ClientError{Code: CodeNetwork, Message: err.Error(), cause: err}
	}

	return &ClientError{Code: CodeUnknown, Message: err.Error(), cause: err}
}

// serviceCode keeps the service's own code except for the few that map onto
// the shared taxonomy.
func serviceCode(pe *postgrest.Error) string {
	switch {
	case pe.Code == "PGRST116" || pe.Status == 404:
		return CodeNotFound
	case pe.Code == "42501" || pe.Status == 403:
		return CodePermissionDenied
	case pe.Status == 401:
		return CodeUnauthorized
	case pe.Code != "":
		return pe.Code
	default:
		return CodeUnknown
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
