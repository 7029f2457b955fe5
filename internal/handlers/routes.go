package handlers

import (
	"net/http"

	"osmcache/internal/app"
	"osmcache/internal/metrics"
	"osmcache/internal/middleware"
)

// NewMux registers every endpoint of the local HTTP surface
func NewMux(a *app.App) *http.ServeMux {
	oauthHandler := NewOAuthHandler(a)
	api := NewAPIHandler(a)
	eventsHandler := NewEventsHandler(a.Recorder)

	mux := http.NewServeMux()

	// OAuth endpoints
	mux.Handle("/oauth-start", middleware.WrapHandler(metrics.EndpointOAuthStart, oauthHandler.HandleAuthStart))
	mux.Handle("/oauth-callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, oauthHandler.HandleCallback))

	// Client API
	mux.Handle("/status", middleware.WrapHandler(metrics.EndpointStatus, api.HandleStatus))
	mux.Handle("/sync", middleware.WrapHandler(metrics.EndpointSyncAll, api.HandleSyncAll))
	mux.Handle("/sync/{dataset}", middleware.WrapHandler(metrics.EndpointSyncDataset, api.HandleSyncDataset))
	mux.Handle("/projection", middleware.WrapHandler(metrics.EndpointProjection, api.HandleProjection))
	mux.Handle("/auth/{action}", middleware.WrapHandler(metrics.EndpointAuthAction, api.HandleAuthAction))
	mux.Handle("/cache/clear", middleware.WrapHandler(metrics.EndpointCacheClear, api.HandleClearCache))

	// Events API endpoint
	mux.Handle("/events", middleware.WrapHandler(metrics.EndpointEvents, eventsHandler.HandleEvents))

	// Health check endpoint
	mux.Handle("/health", middleware.WrapHandler(metrics.EndpointHealth, api.HandleHealth))

	return mux
}
