package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProblemDetails represents an RFC 7807 compliant error response.
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
	// Errors contains field-specific validation errors
	Errors []FieldError `json:"errors,omitempty"`
}

// Problem type URIs
const (
	TypeValidationError   = "https://api.coinharbor.io/errors/validation-error"
	TypeNotFound          = "https://api.coinharbor.io/errors/not-found"
	TypeConflict          = "https://api.coinharbor.io/errors/conflict"
	TypeTamper            = "https://api.coinharbor.io/errors/tampered-token"
	TypeExpired           = "https://api.coinharbor.io/errors/expired"
	TypeInsufficientFunds = "https://api.coinharbor.io/errors/insufficient-funds"
	TypeInternalError     = "https://api.coinharbor.io/errors/internal-error"
)

func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// ToProblemDetails maps a domain error to its RFC 7807 representation.
// SystemError detail is intentionally opaque; the cause stays in the
// server logs only.
func ToProblemDetails(err error, instance string) *ProblemDetails {
	pd := &ProblemDetails{
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}

	var e *Error
	if !errors.As(err, &e) {
		e = System("internal error", err)
	}

	switch e.Kind {
	case KindValidation:
		pd.Type, pd.Title, pd.Status = TypeValidationError, "Validation Error", http.StatusBadRequest
		pd.Errors = e.Fields
	case KindNotFound:
		pd.Type, pd.Title, pd.Status = TypeNotFound, "Not Found", http.StatusNotFound
	case KindConflict:
		pd.Type, pd.Title, pd.Status = TypeConflict, "Conflict", http.StatusConflict
	case KindTamper:
		pd.Type, pd.Title, pd.Status = TypeTamper, "Tampered Token", http.StatusUnauthorized
	case KindExpired:
		pd.Type, pd.Title, pd.Status = TypeExpired, "Expired", http.StatusGone
	case KindInsufficientFunds:
		pd.Type, pd.Title, pd.Status = TypeInsufficientFunds, "Insufficient Funds", http.StatusUnprocessableEntity
	default:
		pd.Type, pd.Title, pd.Status = TypeInternalError, "Internal Server Error", http.StatusInternalServerError
		pd.Detail = "an internal error occurred"
		return pd
	}

	pd.Detail = e.Message
	return pd
}

// Respond writes err as an RFC 7807 response on c.
func Respond(c *gin.Context, err error) {
	pd := ToProblemDetails(err, c.Request.URL.Path)
	if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
		pd.TraceID = traceID
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(pd.Status, pd)
}
