package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nuha.dev/gpsagent/internal/gps"
)

const (
	tokenPath           = "/api/token/"
	tokenRefreshPath    = "/api/token/refresh/"
	locationsPath       = "/api/gpslocations/"
	latestLocationsPath = "/api/gpslocations/latest"
)

type ClientConfig struct {
	Scheme    string
	Timeout   time.Duration
	UserAgent string
}

// Client speaks the backend REST contract. It is stateless: host and tokens
// are passed on every call, the session store owns them.
type Client struct {
	http   *http.Client
	config *ClientConfig
	logger zerolog.Logger
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// LocationPayload is the ingestion body; absent optional fields are sent as null.
type LocationPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  *float64 `json:"accuracy"`
}

func PayloadFromSample(s *gps.Sample) *LocationPayload {
	return &LocationPayload{Latitude: s.Latitude, Longitude: s.Longitude, Altitude: s.Altitude, Accuracy: s.Accuracy}
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Request failed with status code %d", e.StatusCode)
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Detail returns the backend's structured error message, if any.
func Detail(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail, true
	}
	return "", false
}

func NewClient(config *ClientConfig, logger zerolog.Logger) *Client {
	c := &Client{config: config}
	if c.config.Scheme == "" {
		c.config.Scheme = "http"
	}
	c.http = &http.Client{Timeout: config.Timeout}
	c.logger = logger.With().Str("module", "apiclient").Logger()
	return c
}

func (c *Client) endpoint(host, path string) string {
	return c.config.Scheme + "://" + host + path
}

func (c *Client) ObtainToken(ctx context.Context, host, username, password string) (*TokenPair, error) {
	res := &TokenPair{}
	err := c.do(ctx, http.MethodPost, c.endpoint(host, tokenPath), "", &credentials{Username: username, Password: password}, res)
	if err != nil {
		return nil, err
	}
	if res.Access == "" {
		return nil, errors.New("token response without access token")
	}
	return res, nil
}

func (c *Client) RefreshToken(ctx context.Context, host, refresh string) (string, error) {
	res := &TokenPair{}
	err := c.do(ctx, http.MethodPost, c.endpoint(host, tokenRefreshPath), "", &refreshRequest{Refresh: refresh}, res)
	if err != nil {
		return "", err
	}
	if res.Access == "" {
		return "", errors.New("refresh response without access token")
	}
	return res.Access, nil
}

func (c *Client) PostLocation(ctx context.Context, host, access string, loc *LocationPayload) error {
	return c.do(ctx, http.MethodPost, c.endpoint(host, locationsPath), access, loc, nil)
}

func (c *Client) LatestLocations(ctx context.Context, host, access, group string) ([]gps.RosterEntry, error) {
	target := c.endpoint(host, latestLocationsPath)
	if group != "" {
		target = target + "?" + url.Values{"user_group": []string{group}}.Encode()
	}
	entries := make([]gps.RosterEntry, 0)
	err := c.do(ctx, http.MethodGet, target, access, nil, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, target, access string, body interface{}, out interface{}) error {
	var rd io.Reader
	if body != nil {
		d, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(d)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	rid := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rid)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	t0 := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("url", target).Str("request_id", rid).Msg("request failed")
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug().Str("method", method).Str("url", target).Str("request_id", rid).
		Int("status", resp.StatusCode).Dur("time_taken", time.Since(t0)).Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		d, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(d, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
