package platformauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// Fallback chain for acquiring a credential without operator intervention:
//
//  1. broadcaster page HTML: the preloaded client state embeds a short-lived
//     JWT for the push-stream connection
//  2. front /config REST endpoint: sometimes serves a guest JWT
//  3. PLATFORM_JWT env var: manual escape hatch
//
// Each step is best-effort; the first success wins.

const fetchTimeout = 15 * time.Second

var userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// ChainFetcher tries each acquisition method in order.
type ChainFetcher struct {
	BaseURL          string
	ProbeTarget      string // broadcaster page used for the HTML scrape
	EnvJWT           string
	BrowserChallenge string
	AutoRefresh      bool
	HTTPClient       *http.Client
}

func (f *ChainFetcher) http() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: fetchTimeout}
}

// Fetch implements FetchFunc.
func (f *ChainFetcher) Fetch(ctx context.Context) (Credential, error) {
	if f.AutoRefresh {
		if cred, err := f.fromPage(ctx); err == nil {
			return cred, nil
		} else {
			slog.Debug("page auth fetch failed", slog.Any("err", err), slog.String("component", "platformauth"))
		}
		if cred, err := f.fromConfig(ctx); err == nil {
			return cred, nil
		} else {
			slog.Debug("config auth fetch failed", slog.Any("err", err), slog.String("component", "platformauth"))
		}
	}
	if f.EnvJWT != "" {
		return Credential{
			JWT:              f.EnvJWT,
			BrowserChallenge: f.BrowserChallenge,
			ExpiresAt:        time.Now().Add(time.Hour),
			Method:           "env",
		}, nil
	}
	return Credential{}, errors.New("all auth methods failed")
}

var jwtPattern = regexp.MustCompile(`"jwtToken"\s*:\s*"([^"]+)"`)
var userIDPattern = regexp.MustCompile(`"userId"\s*:\s*"?(\d+)"?`)

// fromPage scrapes the preloaded state out of a broadcaster page.
func (f *ChainFetcher) fromPage(ctx context.Context) (Credential, error) {
	if f.ProbeTarget == "" {
		return Credential{}, errors.New("no probe target configured")
	}
	pageURL := fmt.Sprintf("%s/%s", f.BaseURL, url.PathEscape(f.ProbeTarget))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	if f.BrowserChallenge != "" {
		req.Header.Set("Cookie", "cf_clearance="+f.BrowserChallenge)
	}
	resp, err := f.http().Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("page fetch: HTTP %d", resp.StatusCode)
	}
	// The page is large; the token sits in the first chunk of preloaded state.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return Credential{}, err
	}
	m := jwtPattern.FindSubmatch(body)
	if m == nil {
		return Credential{}, errors.New("no jwtToken in page state")
	}
	cred := Credential{
		JWT:              string(m[1]),
		BrowserChallenge: f.BrowserChallenge,
		ExpiresAt:        time.Now().Add(time.Hour),
		Method:           "page",
	}
	if um := userIDPattern.FindSubmatch(body); um != nil {
		cred.UserID = string(um[1])
	}
	return cred, nil
}

// fromConfig asks the front config endpoint for a guest token.
func (f *ChainFetcher) fromConfig(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/api/front/v2/config?requestPath=%2F", nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.http().Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("config fetch: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Client struct {
			JWTToken string `json:"jwtToken"`
			UserID   any    `json:"userId"`
		} `json:"client"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Credential{}, err
	}
	if body.Client.JWTToken == "" {
		return Credential{}, errors.New("no jwtToken in config response")
	}
	return Credential{
		JWT:              body.Client.JWTToken,
		BrowserChallenge: f.BrowserChallenge,
		UserID:           fmt.Sprintf("%v", body.Client.UserID),
		ExpiresAt:        time.Now().Add(time.Hour),
		Method:           "config",
	}, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
