// Package osrm talks to OSRM compatible table services over HTTP.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	DefaultProfile = "driving"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 * 1024
)

// ClientConfig describes one table backend.
type ClientConfig struct {
	BaseURL string
	Profile string
	Timeout time.Duration
	// MaxInFlight bounds concurrent requests to this backend across all
	// table requests. Zero means unbounded.
	MaxInFlight int64
	// RequestsPerSecond throttles requests to this backend. Zero means unlimited.
	RequestsPerSecond float64
}

// Client issues table requests against a single backend.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	inFlight *semaphore.Weighted
	limiter  *rate.Limiter
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.MaxInFlight > 0 {
		c.inFlight = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

type tableResponse struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Durations    data.Grid       `json:"durations"`
	Distances    data.Grid       `json:"distances"`
	Sources      []data.Waypoint `json:"sources"`
	Destinations []data.Waypoint `json:"destinations"`
}

// Table asks the backend for the matrix described by req. The answer is
// indexed locally to req.Sources and req.Destinations.
func (c *Client) Table(ctx context.Context, req data.TableRequest) (_ *data.PartialMatrix, err error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "osrm.table",
		tracer.ResourceName(c.profile(req)),
		tracer.Tag("osrm.backend", c.cfg.BaseURL),
		tracer.Tag("osrm.sources", len(req.Sources)),
		tracer.Tag("osrm.destinations", len(req.Destinations)),
	)
	defer func() { span.Finish(tracer.WithError(err)) }()

	if c.inFlight != nil {
		if err := c.inFlight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.inFlight.Release(1)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tableURL(req), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	var parsed tableResponse
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(body, &parsed) != nil || parsed.Code == "" {
			return nil, &Error{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(body))}
		}
		return nil, &Error{Status: resp.StatusCode, Code: parsed.Code, Message: parsed.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}
	if parsed.Code != "Ok" {
		return nil, &Error{Status: resp.StatusCode, Code: parsed.Code, Message: parsed.Message}
	}
	return &data.PartialMatrix{
		Durations:    parsed.Durations,
		Distances:    parsed.Distances,
		Sources:      parsed.Sources,
		Destinations: parsed.Destinations,
	}, nil
}

// Ping checks that the backend answers a trivial table request.
func (c *Client) Ping(ctx context.Context, probe data.Coordinate) error {
	_, err := c.Table(ctx, data.TableRequest{
		Coordinates: []data.Coordinate{probe},
		Annotations: data.Duration,
	})
	return err
}

func (c *Client) profile(req data.TableRequest) string {
	if req.Options.Profile != "" {
		return req.Options.Profile
	}
	return c.cfg.Profile
}

func (c *Client) tableURL(req data.TableRequest) string {
	var q params
	if len(req.Sources) > 0 {
		q.add("sources", joinInts(req.Sources))
	}
	if len(req.Destinations) > 0 {
		q.add("destinations", joinInts(req.Destinations))
	}
	if a := req.Annotations.String(); a != "" {
		q.add("annotations", a)
	}

	o := req.Options
	if len(o.Radiuses) > 0 {
		parts := make([]string, len(o.Radiuses))
		for i, r := range o.Radiuses {
			if r == nil {
				parts[i] = "unlimited"
			} else {
				parts[i] = strconv.FormatFloat(*r, 'f', -1, 64)
			}
		}
		q.add("radiuses", strings.Join(parts, ";"))
	}
	if len(o.Approaches) > 0 {
		q.add("approaches", joinEscaped(o.Approaches, ";"))
	}
	if len(o.Exclude) > 0 {
		q.add("exclude", joinEscaped(o.Exclude, ","))
	}
	if o.GenerateHints != nil {
		q.add("generate_hints", strconv.FormatBool(*o.GenerateHints))
	}
	if o.FallbackSpeed > 0 {
		q.add("fallback_speed", strconv.FormatFloat(o.FallbackSpeed, 'f', -1, 64))
	}
	if o.FallbackCoordinate != "" {
		q.add("fallback_coordinate", url.QueryEscape(o.FallbackCoordinate))
	}
	if o.ScaleFactor > 0 {
		q.add("scale_factor", strconv.FormatFloat(o.ScaleFactor, 'f', -1, 64))
	}

	u := fmt.Sprintf("%s/table/v1/%s/%s", c.cfg.BaseURL, url.PathEscape(c.profile(req)), data.FormatCoordinates(req.Coordinates))
	if len(q) > 0 {
		u += "?" + strings.Join(q, "&")
	}
	return u
}

// params keeps query parameters in insertion order. Values are expected to
// be escaped already so that the ';' and ',' list separators stay literal.
type params []string

func (p *params) add(key, value string) {
	*p = append(*p, key+"="+value)
}

func joinEscaped(values []string, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = url.QueryEscape(v)
	}
	return strings.Join(parts, sep)
}

func joinInts(set data.IndexSet) string {
	parts := make([]string, len(set))
	for i, v := range set {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ";")
}
