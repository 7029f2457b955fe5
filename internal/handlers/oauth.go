package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"osmcache/internal/app"
	"osmcache/internal/oauth"
)

// maxCallbackBody bounds the URL posted back by the callback page
const maxCallbackBody = 16 << 10

// OAuthHandler handles OAuth flow endpoints
type OAuthHandler struct {
	app    *app.App
	logger *slog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(a *app.App) *OAuthHandler {
	return &OAuthHandler{
		app:    a,
		logger: slog.Default(),
	}
}

// redirectURI returns the configured callback URL, or one on the same
// host as r
func (h *OAuthHandler) redirectURI(r *http.Request) string {
	if h.app.Config.OAuthRedirectURI != "" {
		return h.app.Config.OAuthRedirectURI
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/oauth-callback", scheme, r.Host)
}

// HandleAuthStart initiates the OAuth flow by redirecting to OSM
func (h *OAuthHandler) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	redirectURI := h.redirectURI(r)
	authURL, _, err := h.app.Login.AuthURL(r.Context(), redirectURI)
	if err != nil {
		h.logger.Error("Failed to generate auth URL", "error", err)
		http.Error(w, "Failed to start OAuth flow", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Starting OAuth flow", "redirect_uri", redirectURI)

	// Redirect user to OSM authorization page
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth redirect from OSM.
//
// OSM returns the token in the URL fragment, which never reaches the server.
// A GET without a token serves a page that posts its own URL back and then
// strips the token from the address bar. A GET carrying the token in the
// query, or that POST, completes the login.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if errorParam := r.URL.Query().Get("error"); errorParam != "" {
			h.logger.Warn("OAuth authorization denied", "error", errorParam)
			http.Error(w, fmt.Sprintf("Authorization failed: %s", errorParam), http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("access_token") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, callbackPage)
			return
		}
		h.complete(w, r, requestURL(r))
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		h.complete(w, r, strings.TrimSpace(string(body)))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *OAuthHandler) complete(w http.ResponseWriter, r *http.Request, rawURL string) {
	state, cleaned, err := h.app.CompleteLogin(r.Context(), rawURL)
	if err != nil {
		h.logger.Error("Failed to handle OAuth callback", "error", err, "url", oauth.RedactURL(rawURL))

		// Provide user-friendly error message
		errorMsg := "Failed to complete authorization"
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, oauth.ErrNoCallback), errors.Is(err, oauth.ErrEmptyToken):
			errorMsg = "No access token in callback"
		case errors.Is(err, oauth.ErrInvalidState):
			errorMsg = "Invalid or expired authorization request. Please try again."
		default:
			status = statusFor(err)
		}
		writeJSON(w, status, map[string]any{"error": errorMsg, "state": state})
		return
	}

	h.logger.Info("OAuth flow completed", "state", state)
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "url": cleaned})
}

// requestURL rebuilds the absolute URL of r
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

const callbackPage = `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Signing in</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
			max-width: 600px;
			margin: 100px auto;
			padding: 20px;
			text-align: center;
		}
		p { color: #666; line-height: 1.6; }
	</style>
</head>
<body>
	<h1 id="title">Signing in…</h1>
	<p id="detail">Connecting to Online Scout Manager.</p>
	<script>
		fetch("/oauth-callback", {method: "POST", body: window.location.href})
			.then(function (resp) { return resp.json(); })
			.then(function (res) {
				if (res.url) { history.replaceState(null, "", res.url); }
				document.getElementById("title").textContent = res.error ? "Sign in failed" : "Signed in";
				document.getElementById("detail").textContent = res.error || "You can close this window and return to your application.";
			});
	</script>
</body>
</html>`
