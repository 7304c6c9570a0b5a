// Package overpass queries the OpenStreetMap Overpass API for eating places
// around a point.
package overpass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/observability"
)

const (
	DefaultEndpoint  = "https://overpass-api.de/api/interpreter"
	DefaultUserAgent = "Midi-Mealy/1.0"

	upstreamName = "overpass"
	maxErrBody   = 8 << 10
)

// Fetcher is the contract the orchestrator depends on.
type Fetcher interface {
	Fetch(ctx context.Context, lat, lng, radius float64) ([]model.RawElement, error)
}

type Config struct {
	Endpoint     string
	UserAgent    string
	QueryTimeout time.Duration
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint *url.URL
	ua       string
	evalTO   time.Duration
	validate *validator.Validate
	startNow func() time.Time // for tests
}

var _ Fetcher = (*Client)(nil)

func New(logger *slog.Logger, client *http.Client, cfg Config) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse overpass url: %w", err)
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Client{
		logger:   logger,
		client:   client,
		endpoint: u,
		ua:       ua,
		evalTO:   cfg.QueryTimeout,
		validate: validator.New(),
		startNow: time.Now,
	}, nil
}

type searchArea struct {
	Lat    float64 `validate:"min=-90,max=90"`
	Lng    float64 `validate:"min=-180,max=180"`
	Radius float64 `validate:"min=10,max=10000"`
}

var fieldNames = map[string]string{"Lat": "lat", "Lng": "lng", "Radius": "radius"}

// Validate checks the search area without touching the network.
func (c *Client) Validate(lat, lng, radius float64) error {
	for i, v := range [...]float64{lat, lng, radius} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &apperr.ValidationError{Field: [...]string{"lat", "lng", "radius"}[i], Msg: "must be a finite number"}
		}
	}
	err := c.validate.Struct(searchArea{Lat: lat, Lng: lng, Radius: radius})
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return &apperr.ValidationError{Msg: err.Error()}
	}
	fe := ve[0]
	field := fieldNames[fe.Field()]
	return &apperr.ValidationError{Field: field, Msg: rangeMsg(field)}
}

func rangeMsg(field string) string {
	switch field {
	case "lat":
		return "latitude must be between -90 and 90"
	case "lng":
		return "longitude must be between -180 and 180"
	case "radius":
		return "radius must be between 10 and 10000 metres"
	default:
		return "out of range"
	}
}

type response struct {
	Elements *[]model.RawElement `json:"elements"`
	Remark   string              `json:"remark,omitempty"`
}

// Fetch returns the raw elements for the area. Bad input yields a
// *apperr.ValidationError before any request is made; a non-2xx status or an
// undecodable body yields *apperr.UpstreamError; transport failures and
// deadlines yield *apperr.TimeoutError. Nothing is retried.
func (c *Client) Fetch(ctx context.Context, lat, lng, radius float64) ([]model.RawElement, error) {
	if err := c.Validate(lat, lng, radius); err != nil {
		return nil, err
	}

	query := BuildQuery(lat, lng, radius, c.evalTO)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewBufferString(query))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	start := c.startNow()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObserveUpstreamError(upstreamName, "timeout")
		return nil, &apperr.TimeoutError{Op: "overpass fetch", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency(upstreamName, dur.Seconds())
	c.logger.Debug("overpass response",
		"status", resp.StatusCode,
		"duration", dur.String(),
		"radius", radius)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		observability.ObserveUpstreamError(upstreamName, "status")
		return nil, &apperr.UpstreamError{Status: resp.StatusCode, Body: string(b)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveUpstreamError(upstreamName, "timeout")
		return nil, &apperr.TimeoutError{Op: "overpass read", Err: err}
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		observability.ObserveUpstreamError(upstreamName, "decode")
		return nil, &apperr.UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	if out.Elements == nil {
		observability.ObserveUpstreamError(upstreamName, "decode")
		return nil, &apperr.UpstreamError{Status: resp.StatusCode, Err: errors.New("response has no elements array")}
	}
	if out.Remark != "" {
		c.logger.Warn("overpass remark", "remark", out.Remark)
	}
	return *out.Elements, nil
}
