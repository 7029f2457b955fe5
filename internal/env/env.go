// Package env exposes the process clock, platform hints and session identity.
package env

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"osmcache/internal/model"
)

// MobileBreakpoint is the viewport width below which the client is treated as mobile.
const MobileBreakpoint = 768

// Platform values
const (
	PlatformBrowser = "browser"
	PlatformNative  = "native"
)

// Environment is shared by every component that needs "now" or platform hints
type Environment struct {
	Clock         clock.Clock
	Platform      string
	ViewportWidth int
	SessionID     string

	started time.Time
}

// New creates an Environment. A nil clock means the wall clock.
func New(clk clock.Clock, platform string, viewportWidth int) *Environment {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Environment{
		Clock:         clk,
		Platform:      strings.ToLower(strings.TrimSpace(platform)),
		ViewportWidth: viewportWidth,
		SessionID:     uuid.NewString(),
		started:       clk.Now(),
	}
}

// Now returns the current time
func (e *Environment) Now() time.Time {
	return e.Clock.Now()
}

// NowMs returns the current time as epoch milliseconds
func (e *Environment) NowMs() int64 {
	return e.Clock.Now().UnixMilli()
}

// Today returns the current civil date in UTC
func (e *Environment) Today() model.Date {
	return model.DateOf(e.Clock.Now())
}

// Monotonic returns the elapsed time since the environment was created.
// Values never decrease within a process.
func (e *Environment) Monotonic() time.Duration {
	d := e.Clock.Now().Sub(e.started)
	if d < 0 {
		return 0
	}
	return d
}

// IsMobile reports whether the viewport is below the mobile breakpoint
func (e *Environment) IsMobile() bool {
	return e.ViewportWidth > 0 && e.ViewportWidth < MobileBreakpoint
}

// IsNative reports whether the process runs inside a native shell
func (e *Environment) IsNative() bool {
	return e.Platform == PlatformNative
}
