package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// githubRateLimitURL is queried after each project update to refresh the
// credential pool's view of a token's remaining quota. No third-party
// GitHub REST client surfaced anywhere in the retrieved pack (see
// DESIGN.md), so this is a deliberately small net/http wrapper rather
// than a hand-rolled full client.
const githubRateLimitURL = "https://api.github.com/rate_limit"

type rateLimitResponse struct {
	Resources struct {
		Core struct {
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"core"`
	} `json:"resources"`
}

// refreshQuota queries GitHub's rate_limit endpoint with token and
// reports the observed remaining-requests/reset-at pair back to the
// credential pool.
func (w *Worker) refreshQuota(ctx context.Context, token string) {
	if token == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubRateLimitURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		reset := resp.Header.Get("X-RateLimit-Reset")
		if n, err := strconv.Atoi(remaining); err == nil {
			w.credentials.Update(token, n, parseResetHeader(reset))
		}
		return
	}

	var body rateLimitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	w.credentials.Update(token, body.Resources.Core.Remaining, time.Unix(body.Resources.Core.Reset, 0))
}

func parseResetHeader(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Now().Add(time.Hour)
	}
	return time.Unix(n, 0)
}
