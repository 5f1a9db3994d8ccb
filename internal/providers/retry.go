package providers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter caps what a provider can ask callers to wait.
const maxRetryAfter = 10 * time.Minute

// retryDelay extracts a back-off hint from a throttled token endpoint
// response. The Retry-After header (seconds or HTTP date) wins; Google
// endpoints may instead put a retryDelay in the error details.
func retryDelay(header http.Header, body []byte, now time.Time) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return capRetry(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return capRetry(d)
			}
		}
	}
	if len(body) == 0 {
		return 0
	}

	var info struct {
		Error struct {
			Details []struct {
				RetryDelay string            `json:"retryDelay"`
				Metadata   map[string]string `json:"metadata"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	for _, detail := range info.Error.Details {
		raw := detail.RetryDelay
		if raw == "" {
			raw = detail.Metadata["retryDelay"]
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return capRetry(d)
		}
	}
	return 0
}

func capRetry(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
