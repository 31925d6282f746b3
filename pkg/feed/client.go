package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"transit511/pkg/metrics"
	"transit511/pkg/otel"
	"transit511/pkg/siri"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://api.511.org"
	DefaultTimeout = 10 * time.Second

	vehicleMonitoringPath = "/transit/VehicleMonitoring"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	tracer     trace.Tracer
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Create HTTP client with OpenTelemetry instrumentation
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}

	return &Client{
		httpClient: client,
		apiKey:     apiKey,
		baseURL:    baseURL,
		tracer:     otelapi.Tracer("feed-client"),
	}
}

// FetchVehicleActivity returns the vehicle activities currently published for
// agency. Transport, status and decoding faults are logged and produce an
// empty result; the next scheduled pass is the retry.
func (c *Client) FetchVehicleActivity(ctx context.Context, agency string) []siri.Activity {
	ctx, span := c.tracer.Start(ctx, "feed.fetch_vehicle_activity",
		trace.WithAttributes(
			attribute.String("agency", agency),
			attribute.String("api.endpoint", c.baseURL+vehicleMonitoringPath),
		),
	)
	defer span.End()

	start := time.Now()
	body, err := c.get(ctx, agency)
	if err != nil {
		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			otel.RecordError(span, err, otel.ErrorTypeHTTP, statusErr.Code >= 500)
			metrics.RecordFeedRequest(ctx, agency, "http_error", time.Since(start), 0)
			slog.Warn("Feed returned non-success status", "agency", agency, "status", statusErr.Code)
		case isTimeout(err):
			otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
			metrics.RecordFeedRequest(ctx, agency, "timeout", time.Since(start), 0)
			slog.Warn("Feed request timed out", "agency", agency, "error", err)
		default:
			otel.RecordError(span, err, otel.ErrorTypeNetwork, otel.IsTransientNetwork(err))
			metrics.RecordFeedRequest(ctx, agency, "network_error", time.Since(start), 0)
			slog.Warn("Feed request failed", "agency", agency, "error", err)
		}
		return nil
	}

	activities, err := DecodeBody(body)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		metrics.RecordFeedRequest(ctx, agency, "parse_error", time.Since(start), len(body))
		slog.Warn("Failed to parse feed response", "agency", agency, "error", err)
		return nil
	}

	metrics.RecordFeedRequest(ctx, agency, "ok", time.Since(start), len(body))
	span.SetAttributes(
		attribute.Int("response.size_bytes", len(body)),
		attribute.Int("activities_count", len(activities)),
	)
	otel.SetSpanOk(span)

	return activities
}

func (c *Client) get(ctx context.Context, agency string) ([]byte, error) {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("agency", agency)
	params.Set("format", "json")
	reqURL := c.baseURL + vehicleMonitoringPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "transit511/1.0.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return body, nil
}

// DecodeBody strips a leading UTF-8 byte-order mark and decodes the payload.
func DecodeBody(body []byte) ([]siri.Activity, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	if !utf8.Valid(body) {
		return nil, errors.New("response body is not valid UTF-8")
	}
	return siri.ParseDelivery(body)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d", e.Code)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
