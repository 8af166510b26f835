package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"profdiag/internal/report"
	"profdiag/internal/version"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// UnknownInstance is used for series that carry no instance label.
const UnknownInstance = "unknown"

// Sample is one series of an instant vector.
type Sample struct {
	Labels map[string]string
	Value  float64
}

// PrometheusClient runs instant queries and reads firing alerts.
type PrometheusClient struct {
	baseURL string
	client  api.Client
	api     v1.API
	timeout time.Duration
}

// NewPrometheusClient returns a client bound to baseURL with a per-call timeout.
func NewPrometheusClient(baseURL string, timeout time.Duration) (*PrometheusClient, error) {
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client, err := api.NewClient(api.Config{
		Address:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		RoundTripper: userAgentTransport{next: api.DefaultRoundTripper},
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusClient{
		baseURL: baseURL,
		client:  client,
		api:     v1.NewAPI(client),
		timeout: timeout,
	}, nil
}

// URL returns the configured base URL.
func (c *PrometheusClient) URL() string {
	return c.baseURL
}

type queryResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Data      struct {
		ResultType string         `json:"resultType"`
		Result     []vectorSample `json:"result"`
	} `json:"data"`
}

type vectorSample struct {
	Metric map[string]string `json:"metric"`
	Value  []json.RawMessage `json:"value"`
}

// Vector runs an instant query. Sample values that cannot be parsed are reported as 0.
func (c *PrometheusClient) Vector(ctx context.Context, expr string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.client.URL("/api/v1/query", nil)
	q := u.Query()
	q.Set("query", expr)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	resp, body, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrUnavailable, expr, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: query %q: status %d", ErrUnavailable, expr, resp.StatusCode)
	}

	var payload queryResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: query %q: %v", ErrMalformed, expr, err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("%w: query %q: status %q: %s", ErrMalformed, expr, payload.Status, payload.Error)
	}
	if payload.Data.ResultType != "" && payload.Data.ResultType != model.ValVector.String() {
		return nil, fmt.Errorf("%w: query %q: result type %q", ErrMalformed, expr, payload.Data.ResultType)
	}

	out := make([]Sample, 0, len(payload.Data.Result))
	for _, r := range payload.Data.Result {
		labels := r.Metric
		if labels == nil {
			labels = map[string]string{}
		}
		value, _ := parseSampleValue(r.Value)
		out = append(out, Sample{Labels: labels, Value: value})
	}
	return out, nil
}

// Instant runs an instant query and keys the values by instance label.
// Series sharing an instance are summed; NaN and Inf become 0.
func (c *PrometheusClient) Instant(ctx context.Context, expr string) (map[string]float64, error) {
	samples, err := c.Vector(ctx, expr)
	if err != nil {
		return nil, err
	}
	return ByInstance(samples), nil
}

// ByInstance folds samples into an instance -> value map.
func ByInstance(samples []Sample) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		instance := s.Labels[string(model.InstanceLabel)]
		if instance == "" {
			instance = UnknownInstance
		}
		value := s.Value
		if math.IsNaN(value) || math.IsInf(value, 0) {
			value = 0
		}
		out[instance] += value
	}
	return out
}

// FiringAlerts returns alerts whose state is firing.
func (c *PrometheusClient) FiringAlerts(ctx context.Context) ([]report.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.api.Alerts(ctx)
	if err != nil {
		var apiErr *v1.Error
		if errors.As(err, &apiErr) && apiErr.Type == v1.ErrBadResponse {
			return nil, fmt.Errorf("%w: alerts: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: alerts: %v", ErrUnavailable, err)
	}

	out := make([]report.Alert, 0, len(res.Alerts))
	for _, a := range res.Alerts {
		if a.State != v1.AlertStateFiring {
			continue
		}
		instance := string(a.Labels[model.InstanceLabel])
		if instance == "" {
			instance = UnknownInstance
		}
		out = append(out, report.Alert{
			Name:        string(a.Labels[model.AlertNameLabel]),
			Severity:    string(a.Labels["severity"]),
			Instance:    instance,
			Summary:     string(a.Annotations["summary"]),
			ActiveSince: a.ActiveAt.UTC(),
		})
	}
	return out, nil
}

// parseSampleValue reads the [timestamp, "value"] pair of an instant sample.
func parseSampleValue(pair []json.RawMessage) (float64, bool) {
	if len(pair) < 2 {
		return 0, false
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		var num float64
		if err := json.Unmarshal(pair[1], &num); err != nil {
			return 0, false
		}
		return num, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", version.UserAgent())
	return t.next.RoundTrip(req)
}
