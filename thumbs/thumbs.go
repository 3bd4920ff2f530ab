// Package thumbs captures preview thumbnails for currently-live targets from
// the platform's image CDN and records capture metadata.
package thumbs

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/cast-tender/collector"
	"github.com/onnwee/cast-tender/telemetry"
)

const (
	fetchTimeout = 15 * time.Second
	maxThumbSize = 4 << 20
)

// LiveSource yields the currently-live targets. Satisfied by *collector.Collector.
type LiveSource interface {
	LiveTargets() []collector.LiveTarget
}

// Capturer periodically snapshots the CDN thumbnail for every live target.
type Capturer struct {
	DB       *sql.DB
	Source   LiveSource
	CDNBase  string // e.g. https://img.strpst.com/thumbs
	Interval time.Duration
	Client   *http.Client

	now func() time.Time
}

func NewCapturer(database *sql.DB, source LiveSource, cdnBase string, interval time.Duration) *Capturer {
	return &Capturer{
		DB:       database,
		Source:   source,
		CDNBase:  cdnBase,
		Interval: interval,
		now:      time.Now,
	}
}

// Run captures on the configured interval until the context is cancelled.
func (c *Capturer) Run(ctx context.Context) {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CaptureAll(ctx)
		}
	}
}

// CaptureAll snapshots every live target once. Failures are per-target.
func (c *Capturer) CaptureAll(ctx context.Context) {
	for _, lt := range c.Source.LiveTargets() {
		if lt.ModelID == "" {
			continue
		}
		if err := c.captureOne(ctx, lt); err != nil {
			slog.Debug("thumbnail capture failed",
				slog.String("target", lt.Name),
				slog.Any("err", err),
				slog.String("component", "thumbs"))
		}
	}
}

// captureOne fetches the CDN image for one target. The CDN keys thumbnails by
// a coarse timestamp bucket and model id.
func (c *Capturer) captureOne(ctx context.Context, lt collector.LiveTarget) error {
	url := c.ThumbnailURL(lt.ModelID)
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("cdn returned %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxThumbSize))
	if err != nil {
		return err
	}

	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO thumbnails (account_id, target_name, session_id, cdn_url, bytes)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		lt.AccountID, lt.Name, lt.SessionID, url, n)
	if err != nil {
		return err
	}
	if telemetry.ThumbnailsCaptured != nil {
		telemetry.ThumbnailsCaptured.Inc()
	}
	return nil
}

// ThumbnailURL builds the CDN path for a model id, bucketed to the CDN's
// 10-second refresh cadence.
func (c *Capturer) ThumbnailURL(modelID string) string {
	bucket := c.now().Unix() / 10 * 10
	return fmt.Sprintf("%s/%d/%s_webp", c.CDNBase, bucket, modelID)
}

func (c *Capturer) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: fetchTimeout}
}
