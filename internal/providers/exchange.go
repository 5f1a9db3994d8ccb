package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/adops-nexus/internal/version"
)

// maxTokenResponse bounds how much of a token endpoint response is read.
const maxTokenResponse = 1 << 20

// Exchange performs one token endpoint call for grant. Rejections come back
// as *GrantError; anything else is a transport failure.
func Exchange(ctx context.Context, client *http.Client, d Descriptor, app App, grant Grant) (TokenSet, error) {
	if d.Encoder == nil {
		return TokenSet{}, fmt.Errorf("provider %s has no grant encoder", d.ID)
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := d.Encoder.NewRequest(ctx, d.TokenURL, app, grant)
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("User-Agent", "adops-nexus/"+version.Version)
	resp, err := client.Do(req)
	if err != nil {
		return TokenSet{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return TokenSet{}, fmt.Errorf("read token response: %w", err)
	}
	set, err := d.Encoder.Decode(resp.StatusCode, body)
	var grantErr *GrantError
	if errors.As(err, &grantErr) && grantErr.Retryable {
		grantErr.RetryAfter = retryDelay(resp.Header, body, time.Now())
	}
	return set, err
}
