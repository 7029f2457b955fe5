package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNoCallback is returned when a URL carries no access token
var ErrNoCallback = errors.New("url carries no access token")

// callbackParams are stripped from the URL once the token is ingested
var callbackParams = []string{"access_token", "token_type", "expires_in", "state"}

// sensitiveParams are never written to logs or telemetry in clear
var sensitiveParams = map[string]bool{
	"access_token":  true,
	"id_token":      true,
	"refresh_token": true,
	"token":         true,
	"api_key":       true,
	"secret":        true,
	"auth":          true,
	"session":       true,
	"session_id":    true,
}

const redacted = "REDACTED"

// Callback is the token response carried on an implicit-grant redirect
type Callback struct {
	AccessToken string
	TokenType   string
	// ExpiresIn is zero when the response did not say
	ExpiresIn time.Duration
	State     string
}

// ParseCallbackURL extracts the token response from rawURL. The parameters may
// sit in the query or in the fragment, including a hash-router fragment such
// as "#/?access_token=...". It also returns rawURL with the callback
// parameters removed.
func ParseCallbackURL(rawURL string) (Callback, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Callback{}, "", fmt.Errorf("failed to parse callback url: %w", err)
	}

	query := u.Query()
	fragPath, fragQuery := splitFragment(u.Fragment)

	var cb Callback
	var found bool
	for _, vals := range []url.Values{query, fragQuery} {
		if vals.Get("access_token") == "" {
			continue
		}
		found = true
		cb.AccessToken = vals.Get("access_token")
		cb.TokenType = vals.Get("token_type")
		cb.State = vals.Get("state")
		if s := vals.Get("expires_in"); s != "" {
			secs, err := strconv.ParseInt(s, 10, 64)
			if err != nil || secs <= 0 {
				return Callback{}, "", fmt.Errorf("invalid expires_in %q", s)
			}
			cb.ExpiresIn = time.Duration(secs) * time.Second
		}
		break
	}
	if !found {
		return Callback{}, rawURL, ErrNoCallback
	}

	for _, p := range callbackParams {
		query.Del(p)
		fragQuery.Del(p)
	}
	u.RawQuery = query.Encode()
	u.Fragment = joinFragment(fragPath, fragQuery)
	u.RawFragment = ""

	return cb, u.String(), nil
}

// RedactURL masks sensitive parameter values in both the query and the
// fragment of rawURL
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[unparseable url]"
	}

	if u.RawQuery != "" {
		q := u.Query()
		redactValues(q)
		u.RawQuery = q.Encode()
	}
	if u.Fragment != "" {
		fragPath, fragQuery := splitFragment(u.Fragment)
		if len(fragQuery) > 0 {
			redactValues(fragQuery)
			u.Fragment = joinFragment(fragPath, fragQuery)
			u.RawFragment = ""
		}
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func redactValues(q url.Values) {
	for k, vals := range q {
		if sensitiveParams[strings.ToLower(k)] {
			for i := range vals {
				vals[i] = redacted
			}
		}
	}
}

// splitFragment separates a fragment into its router path and its query. A
// fragment without "?" is a query only when it looks like one.
func splitFragment(frag string) (string, url.Values) {
	if frag == "" {
		return "", url.Values{}
	}
	path, rawQuery, hasQuery := strings.Cut(frag, "?")
	if !hasQuery {
		if strings.Contains(frag, "=") && !strings.HasPrefix(frag, "/") {
			q, err := url.ParseQuery(frag)
			if err == nil {
				return "", q
			}
		}
		return frag, url.Values{}
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return frag, url.Values{}
	}
	return path, q
}

func joinFragment(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	if path == "" {
		return q.Encode()
	}
	return path + "?" + q.Encode()
}
