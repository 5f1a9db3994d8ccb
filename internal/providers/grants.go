package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/adops-nexus/internal/secret"
)

// GrantEncoder builds a provider's token endpoint request and normalizes its
// response.
type GrantEncoder interface {
	NewRequest(ctx context.Context, tokenURL string, app App, grant Grant) (*http.Request, error)
	// Decode returns a *GrantError when the provider rejected the grant.
	Decode(status int, body []byte) (TokenSet, error)
}

// GrantError is a token endpoint rejection. It never carries the response
// body, only the OAuth error code and a provider description.
type GrantError struct {
	Status      int
	Code        string
	Description string
	Retryable   bool
	// RetryAfter is the provider's back-off hint on throttled responses.
	RetryAfter time.Duration
}

func (e *GrantError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned %d", e.Status)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.Status, e.Code)
}

// grantEncoder covers the field-name and body-shape differences between
// providers: form vs JSON bodies, client credential key names, and responses
// wrapped in a {"code":0,"data":{...}} envelope.
type grantEncoder struct {
	clientIDKey     string
	clientSecretKey string
	codeKey         string
	jsonBody        bool
	envelope        string
}

func newFormGrant(clientIDKey, clientSecretKey string) *grantEncoder {
	return &grantEncoder{clientIDKey: clientIDKey, clientSecretKey: clientSecretKey}
}

func (g *grantEncoder) NewRequest(ctx context.Context, tokenURL string, app App, grant Grant) (*http.Request, error) {
	fields := map[string]string{
		g.clientIDKey:     app.ClientID,
		g.clientSecretKey: app.ClientSecret.Reveal(),
		"grant_type":      string(grant.Type),
	}
	switch grant.Type {
	case GrantRefreshToken:
		if grant.RefreshToken.IsZero() {
			return nil, fmt.Errorf("refresh grant without refresh token")
		}
		fields["refresh_token"] = grant.RefreshToken.Reveal()
	case GrantAuthorizationCode:
		if grant.Code == "" {
			return nil, fmt.Errorf("authorization code grant without code")
		}
		codeKey := g.codeKey
		if codeKey == "" {
			codeKey = "code"
		}
		fields[codeKey] = grant.Code
		if grant.RedirectURL != "" {
			fields["redirect_uri"] = grant.RedirectURL
		}
	default:
		return nil, fmt.Errorf("unsupported grant type %q", grant.Type)
	}

	var (
		body        *bytes.Reader
		contentType string
	)
	if g.jsonBody {
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		body = bytes.NewReader([]byte(form.Encode()))
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (g *grantEncoder) Decode(status int, body []byte) (TokenSet, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		if status >= 200 && status < 300 {
			return TokenSet{}, &GrantError{Status: status, Code: "malformed_response", Retryable: true}
		}
		return TokenSet{}, classify(status, "", "")
	}

	if status < 200 || status >= 300 {
		code, description := parseOAuthError(fields)
		return TokenSet{}, classify(status, code, description)
	}

	if g.envelope != "" {
		if raw, ok := fields["code"]; ok {
			if n, ok := parseInt(raw); ok && n != 0 {
				var message string
				_ = json.Unmarshal(fields["message"], &message)
				return TokenSet{}, classifyEnvelope(status, n, message)
			}
		}
		inner, ok := fields[g.envelope]
		if !ok {
			return TokenSet{}, &GrantError{Status: status, Code: "malformed_response", Retryable: true}
		}
		fields = nil
		if err := json.Unmarshal(inner, &fields); err != nil {
			return TokenSet{}, &GrantError{Status: status, Code: "malformed_response", Retryable: true}
		}
	}

	return decodeTokenFields(status, fields)
}

func decodeTokenFields(status int, fields map[string]json.RawMessage) (TokenSet, error) {
	var set TokenSet
	var access, refresh string
	_ = json.Unmarshal(fields["access_token"], &access)
	_ = json.Unmarshal(fields["refresh_token"], &refresh)
	if strings.TrimSpace(access) == "" {
		return TokenSet{}, &GrantError{Status: status, Code: "malformed_response", Retryable: true}
	}
	set.AccessToken = secret.New(access)
	set.RefreshToken = secret.New(refresh)

	if raw, ok := fields["expires_in"]; ok {
		if n, ok := parseInt(raw); ok && n > 0 {
			set.ExpiresIn = time.Duration(n) * time.Second
		}
	}
	set.Scopes = parseScopes(fields["scope"])
	set.ProviderAccountID = firstID(fields, "open_id", "user_id", "advertiser_id", "advertiser_ids")
	return set, nil
}

// parseOAuthError reads RFC 6749 errors ({"error":"invalid_grant"}) and the
// Graph-style object form ({"error":{"message":..,"code":190}}).
func parseOAuthError(fields map[string]json.RawMessage) (code, description string) {
	raw, ok := fields["error"]
	if !ok {
		return "", ""
	}
	if err := json.Unmarshal(raw, &code); err == nil {
		_ = json.Unmarshal(fields["error_description"], &description)
		return code, description
	}

	var obj struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ""
	}
	// Graph error 190 is an invalid or expired OAuth token.
	if n, ok := parseInt(obj.Code); ok && n == 190 {
		return "invalid_grant", obj.Message
	}
	return strings.ToLower(obj.Type), obj.Message
}

var permanentMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

func isPermanent(code, description string) bool {
	text := strings.ToLower(code + " " + description)
	for _, marker := range permanentMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// classify decides whether a rejected grant is worth retrying. Throttling,
// timeouts and server errors are; invalid_grant-class errors and
// authentication failures are not. Other 4xx responses stay retryable so an
// unrecognized provider error never locks the account out.
func classify(status int, code, description string) *GrantError {
	e := &GrantError{Status: status, Code: code, Description: description}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e.Retryable = true
	case isPermanent(code, description):
		e.Retryable = false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Retryable = false
	default:
		e.Retryable = true
	}
	return e
}

func classifyEnvelope(status int, code int64, message string) *GrantError {
	e := &GrantError{Status: status, Code: "code_" + strconv.FormatInt(code, 10), Description: message}
	lower := strings.ToLower(message)
	e.Retryable = !(isPermanent("", message) ||
		strings.Contains(lower, "refresh_token") && (strings.Contains(lower, "invalid") || strings.Contains(lower, "expired")))
	return e
}

func parseInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func parseScopes(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

func firstID(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		if n, ok := parseInt(raw); ok {
			return strconv.FormatInt(n, 10)
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			if err := json.Unmarshal(list[0], &s); err == nil && s != "" {
				return s
			}
			if n, ok := parseInt(list[0]); ok {
				return strconv.FormatInt(n, 10)
			}
		}
	}
	return ""
}
