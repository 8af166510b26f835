package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"profdiag/internal/profile"
	"profdiag/internal/version"

	"github.com/go-resty/resty/v2"
)

// DefaultServiceLabel is the label the profiler agent attaches to every series.
const DefaultServiceLabel = "service_name"

// PyroscopeClient reads flame graphs and label values from the profiler.
type PyroscopeClient struct {
	baseURL      string
	serviceLabel string
	http         *resty.Client
}

// NewPyroscopeClient returns a client bound to baseURL with a per-call timeout.
func NewPyroscopeClient(baseURL, serviceLabel string, timeout time.Duration) (*PyroscopeClient, error) {
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if serviceLabel == "" {
		serviceLabel = DefaultServiceLabel
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	return &PyroscopeClient{
		baseURL:      baseURL,
		serviceLabel: serviceLabel,
		http:         client,
	}, nil
}

// URL returns the configured base URL.
func (c *PyroscopeClient) URL() string {
	return c.baseURL
}

type labelValuesResponse struct {
	Names []string `json:"names"`
}

// LabelValues lists the known values of a label, sorted and de-duplicated.
func (c *PyroscopeClient) LabelValues(ctx context.Context, label string) ([]string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"name": label}).
		Post("/querier.v1.QuerierService/LabelValues")
	var out labelValuesResponse
	if err := decode(resp, err, &out); err != nil {
		return nil, fmt.Errorf("label values %q: %w", label, err)
	}

	seen := make(map[string]struct{}, len(out.Names))
	names := make([]string, 0, len(out.Names))
	for _, n := range out.Names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Services lists the service names known to the profiler.
func (c *PyroscopeClient) Services(ctx context.Context) ([]string, error) {
	return c.LabelValues(ctx, c.serviceLabel)
}

type renderResponse struct {
	Flamebearer *profile.Flamebearer `json:"flamebearer"`
}

// Render fetches the flame graph of one service and profile type over the trailing window (e.g. "1h").
func (c *PyroscopeClient) Render(ctx context.Context, profileTypeID, service, window string) (profile.Flamebearer, error) {
	query := fmt.Sprintf(`%s{%s=%q}`, profileTypeID, c.serviceLabel, service)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":  query,
			"from":   "now-" + window,
			"until":  "now",
			"format": "json",
		}).
		Get("/pyroscope/render")
	var out renderResponse
	if err := decode(resp, err, &out); err != nil {
		return profile.Flamebearer{}, fmt.Errorf("render %s: %w", query, err)
	}
	if out.Flamebearer == nil {
		return profile.Flamebearer{}, fmt.Errorf("render %s: %w: missing flamebearer", query, ErrMalformed)
	}
	return *out.Flamebearer, nil
}

// decode maps transport failures and non-2xx answers to ErrUnavailable and
// undecodable bodies to ErrMalformed.
func decode(resp *resty.Response, err error, into any) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}
	if err := json.Unmarshal(resp.Body(), into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
