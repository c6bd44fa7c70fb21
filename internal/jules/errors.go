package jules

import (
	"fmt"
	"net/http"
)

// ErrMissingAPIKey is returned when a request is attempted without
// credentials. It is permanent: retrying cannot fix configuration.
var ErrMissingAPIKey error = missingAPIKeyError{}

type missingAPIKeyError struct{}

func (missingAPIKeyError) Error() string   { return "jules api key is not configured" }
func (missingAPIKeyError) Permanent() bool { return true }

// APIError is returned for any non-2xx response
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("jules api error: %s", e.Status)
	}
	return fmt.Sprintf("jules api error: %s: %s", e.Status, e.Message)
}

// Permanent reports whether repeating the request cannot succeed. Client
// errors are permanent except for timeouts and throttling.
func (e *APIError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Temporary reports whether the request may succeed if retried
func (e *APIError) Temporary() bool {
	return !e.Permanent()
}
