package infrastructure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coffeehut/workflow/shared/saga"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

var _ saga.StatusOracle = (*HTTPStatusOracle)(nil)

const maxStatusBodySize = 1 << 10

// OracleConfig configures one status oracle endpoint
type OracleConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// HTTPStatusOracle asks a remote service whether a step succeeded by calling
// GET {baseUrl}/{id}/status and reading a boolean body.
type HTTPStatusOracle struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPStatusOracle creates an oracle with its own HTTP client
func NewHTTPStatusOracle(config OracleConfig) *HTTPStatusOracle {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewHTTPStatusOracleWithClient(config, &http.Client{Timeout: timeout})
}

func NewHTTPStatusOracleWithClient(config OracleConfig, client *http.Client) *HTTPStatusOracle {
	return &HTTPStatusOracle{
		name:    config.Name,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  client,
	}
}

// Check returns the boolean reported by the oracle. Transport failures,
// non-200 responses and bodies other than true or false are returned as
// errors wrapping saga.ErrOracleUnavailable.
func (o *HTTPStatusOracle) Check(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := o.check(ctx, id)

	result := "false"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "true"
	}
	telemetry.RecordCounter(ctx, "status_oracle_requests_total", "Status oracle calls", 1,
		attribute.String("oracle", o.name),
		attribute.String("result", result),
	)
	telemetry.RecordHistogram(ctx, "status_oracle_duration_seconds", "Status oracle call duration", time.Since(start).Seconds(),
		attribute.String("oracle", o.name),
	)

	return ok, err
}

func (o *HTTPStatusOracle) check(ctx context.Context, id string) (bool, error) {
	endpoint := o.baseURL + "/" + url.PathEscape(id) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, errors.Wrapf(saga.ErrOracleUnavailable, "%s: build request: %v", o.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, errors.Wrapf(saga.ErrOracleUnavailable, "%s: %v", o.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBodySize))
	if err != nil {
		return false, errors.Wrapf(saga.ErrOracleUnavailable, "%s: read body: %v", o.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return false, errors.Wrapf(saga.ErrOracleUnavailable, "%s: unexpected status %d", o.name, resp.StatusCode)
	}

	var status bool
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(body))), &status); err != nil {
		return false, errors.Wrapf(saga.ErrOracleUnavailable, "%s: unparsable body %q", o.name, string(body))
	}

	return status, nil
}
