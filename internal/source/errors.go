package source

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every outbound call so a hung source cannot stall a report.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnavailable marks network failures, timeouts and non-2xx responses.
	ErrUnavailable = errors.New("source unavailable")
	// ErrMalformed marks reachable sources that answered with an unexpected shape.
	ErrMalformed = errors.New("malformed response")
)

// ValidateBaseURL accepts only absolute http and https URLs.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}
