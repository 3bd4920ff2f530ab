// Package platformapi contains the REST probes against the broadcast platform's
// front API: the live/offline status poll and the viewer roster poll.
package platformapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Status is the platform's public presence state for a broadcaster. Several
// distinct live sub-states exist upstream; the collector treats them uniformly
// as online.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOff     Status = "off"
	StatusPublic  Status = "public"
	StatusPrivate Status = "private"
	StatusP2P     Status = "p2p"
)

// Live reports whether s is one of the live variants.
func (s Status) Live() bool {
	return s == StatusPublic || s == StatusPrivate || s == StatusP2P
}

// StatusResult is the outcome of one status probe.
type StatusResult struct {
	Status      Status
	ViewerCount int
	ModelID     string // stable platform identifier, when discoverable
}

// Client issues front-API requests. The zero value is not usable; set BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

const probeTimeout = 10 * time.Second

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: probeTimeout}
}

func (c *Client) newRequest(ctx context.Context, rawURL, challenge string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	if challenge != "" {
		req.Header.Set("Cookie", "cf_clearance="+challenge)
	}
	return req, nil
}

// PollStatus probes a broadcaster's cam endpoint and classifies the result.
// Transport and parse failures surface as StatusUnknown, never as an error:
// the caller must not confuse "we don't know" with a confirmed offline read.
func (c *Client) PollStatus(ctx context.Context, target, challenge string) StatusResult {
	u := fmt.Sprintf("%s/api/front/v2/models/username/%s/cam", c.BaseURL, url.PathEscape(target))
	req, err := c.newRequest(ctx, u, challenge)
	if err != nil {
		return StatusResult{Status: StatusUnknown}
	}
	resp, err := c.http().Do(req)
	if err != nil {
		slog.Debug("status poll failed", slog.String("target", target), slog.Any("err", err), slog.String("component", "platformapi"))
		return StatusResult{Status: StatusUnknown}
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Page gone = not broadcasting.
		return StatusResult{Status: StatusOff}
	case resp.StatusCode == http.StatusForbidden:
		slog.Warn("status poll blocked by browser challenge", slog.String("target", target), slog.String("component", "platformapi"))
		return StatusResult{Status: StatusUnknown}
	case resp.StatusCode != http.StatusOK:
		slog.Debug("status poll non-200", slog.String("target", target), slog.Int("status", resp.StatusCode), slog.String("component", "platformapi"))
		return StatusResult{Status: StatusUnknown}
	}

	var body struct {
		User struct {
			ID           json.Number `json:"id"`
			Status       string      `json:"status"`
			ViewersCount int         `json:"viewersCount"`
			Viewers      int         `json:"viewers"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		slog.Debug("status poll decode failed", slog.String("target", target), slog.Any("err", err), slog.String("component", "platformapi"))
		return StatusResult{Status: StatusUnknown}
	}

	st := Status(body.User.Status)
	switch st {
	case StatusPublic, StatusPrivate, StatusP2P, StatusOff:
	case "":
		st = StatusOff
	default:
		// Upstream adds sub-states occasionally ("groupShow", "idle"); anything
		// unrecognized that is not an error read counts as offline.
		st = StatusOff
	}
	viewers := body.User.ViewersCount
	if viewers == 0 {
		viewers = body.User.Viewers
	}
	return StatusResult{
		Status:      st,
		ViewerCount: viewers,
		ModelID:     body.User.ID.String(),
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
