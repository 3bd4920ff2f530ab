package platformapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// ViewerEntry is one member of a broadcaster's current audience.
type ViewerEntry struct {
	Name           string
	PlatformUserID string
	League         string
	Level          int
	FanClub        bool
}

// ViewerResult carries the raw roster plus the HTTP status observed. A 200 with
// an empty roster is a legitimate "nobody watching" outcome; only a non-200
// counts as a poll failure.
type ViewerResult struct {
	Viewers    []ViewerEntry
	HTTPStatus int
}

// PollViewers fetches the members endpoint for a broadcaster. The endpoint is
// authentication-gated; jwt and sessionCookies may each be empty, in which case
// the request goes out unauthenticated and typically comes back 401.
func (c *Client) PollViewers(ctx context.Context, target, jwt, challenge, sessionCookies string) (ViewerResult, error) {
	u := fmt.Sprintf("%s/api/front/v2/models/username/%s/members", c.BaseURL, url.PathEscape(target))
	req, err := c.newRequest(ctx, u, challenge)
	if err != nil {
		return ViewerResult{}, err
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	if sessionCookies != "" {
		cookie := sessionCookies
		if existing := req.Header.Get("Cookie"); existing != "" {
			cookie = existing + "; " + sessionCookies
		}
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return ViewerResult{}, err
	}
	defer closeBody(resp)

	if resp.StatusCode != 200 {
		return ViewerResult{HTTPStatus: resp.StatusCode}, nil
	}

	// A 200 whose body doesn't decode is a failure, not an empty roster; the
	// caller's backoff bookkeeping must see the difference.
	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ViewerResult{HTTPStatus: resp.StatusCode}, fmt.Errorf("decode members payload: %w", err)
	}
	return ViewerResult{Viewers: parseViewerList(raw), HTTPStatus: resp.StatusCode}, nil
}

// parseViewerList handles both the current nested members payload
// ({members:[{user:{username,id,userRanking:{league,level}},fanClubTier}]})
// and the legacy flat shape ({members:[{username,id,league,level}]}).
func parseViewerList(raw any) []ViewerEntry {
	root, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	var members []any
	for _, key := range []string{"members", "users", "data"} {
		if arr, ok := root[key].([]any); ok {
			members = arr
			break
		}
	}
	out := make([]ViewerEntry, 0, len(members))
	for _, m := range members {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		var e ViewerEntry
		if user, ok := obj["user"].(map[string]any); ok {
			e.Name = str(user["username"])
			e.PlatformUserID = str(user["id"])
			if ranking, ok := user["userRanking"].(map[string]any); ok {
				e.League = str(ranking["league"])
				e.Level = num(ranking["level"])
			}
			e.FanClub = obj["fanClubTier"] != nil
		} else {
			e.Name = str(obj["username"])
			if e.Name == "" {
				e.Name = str(obj["userName"])
			}
			e.PlatformUserID = str(obj["id"])
			e.League = str(obj["league"])
			e.Level = num(obj["level"])
			e.FanClub = boolish(obj["isFanClubMember"]) || boolish(obj["fanClub"])
		}
		if e.Name == "" || e.Name == "unknown" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// NormalizeViewers de-duplicates by actor name, keeping the first occurrence.
// Placeholder names are already dropped by the parser.
func NormalizeViewers(viewers []ViewerEntry) []ViewerEntry {
	seen := make(map[string]struct{}, len(viewers))
	out := viewers[:0:0]
	for _, v := range viewers {
		if _, dup := seen[v.Name]; dup {
			continue
		}
		seen[v.Name] = struct{}{}
		out = append(out, v)
	}
	return out
}
