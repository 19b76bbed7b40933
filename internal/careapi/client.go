// Package careapi is a client for the CARE backend camera action endpoints
// that the camera feed depends on: stream token issue and device status.
package careapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20
)

// ErrEmptyToken is returned when the backend answers with a blank token.
var ErrEmptyToken = errors.New("careapi: empty stream token")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("careapi: %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("careapi: %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// PTZ is a camera position in the device's normalized range.
type PTZ struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Move states reported in MoveStatus.
const (
	MoveIdle   = "IDLE"
	MoveMoving = "MOVING"
)

// MoveStatus is the motion state of each axis group.
type MoveStatus struct {
	PanTilt string `json:"panTilt"`
	Zoom    string `json:"zoom"`
}

// CameraStatus is the get_status response.
type CameraStatus struct {
	Position   PTZ        `json:"position"`
	MoveStatus MoveStatus `json:"moveStatus"`
	Error      string     `json:"error"`
}

// Moving reports whether any axis is in motion.
func (s CameraStatus) Moving() bool {
	return s.MoveStatus.PanTilt == MoveMoving || s.MoveStatus.Zoom == MoveMoving
}

// Client talks to the CARE REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a Client for baseURL authenticating with a bearer
// token. If httpClient is nil a client with a 10s timeout is used. If log
// is nil, slog.Default() is used.
func NewClient(baseURL, token string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		log:        log.With("component", "careapi"),
	}
}

func actionPath(cameraID, action string) string {
	return "/api/camera_device/actions/" + url.PathEscape(cameraID) + "/" + action + "/"
}

// StreamToken requests a short-lived stream authorization token.
func (c *Client) StreamToken(ctx context.Context, cameraID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.get(ctx, actionPath(cameraID, "stream_token"), &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", ErrEmptyToken
	}
	return resp.Token, nil
}

// CameraStatus fetches the current position and motion state of a camera.
func (c *Client) CameraStatus(ctx context.Context, cameraID string) (*CameraStatus, error) {
	var st CameraStatus
	if err := c.get(ctx, actionPath(cameraID, "get_status"), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("careapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("careapi: %s: %w", path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("request", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("careapi: %s: decode response: %w", path, err)
	}
	return nil
}
