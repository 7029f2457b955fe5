// Package auth drives the authentication state of the client from token
// facts, gateway errors, user choices and a periodic expiry tick.
package auth

// State is the externally visible authentication state
type State string

const (
	StateNoData        State = "no_data"
	StateCachedOnly    State = "cached_only"
	StateAuthenticated State = "authenticated"
	StateTokenExpired  State = "token_expired"
	StateSyncing       State = "syncing"
	StateBlocked       State = "blocked"
)

// States lists every state
var States = []State{
	StateNoData,
	StateCachedOnly,
	StateAuthenticated,
	StateTokenExpired,
	StateSyncing,
	StateBlocked,
}

// Facts are the inputs the state is derived from
type Facts struct {
	HasToken bool
	// Expired is true when the token's expiry is at or before now
	Expired  bool
	Blocked  bool
	HasCache bool
	// StayOffline is the user's explicit choice to keep using the cache after expiry
	StayOffline bool
	// Offline is set when the last validation failed on transport
	Offline bool
	// Busy covers an in-flight validation or sync and a pending re-login
	Busy bool
}

// Derive computes the state from facts
func Derive(f Facts) State {
	switch {
	case f.Blocked:
		return StateBlocked
	case f.Busy:
		return StateSyncing
	case !f.HasToken:
		return cacheState(f.HasCache)
	case f.Expired:
		if f.StayOffline {
			return cacheState(f.HasCache)
		}
		return StateTokenExpired
	case f.Offline:
		return cacheState(f.HasCache)
	default:
		return StateAuthenticated
	}
}

func cacheState(hasCache bool) State {
	if hasCache {
		return StateCachedOnly
	}
	return StateNoData
}

// Message is the user-facing explanation of a state, empty when none is needed
func Message(s State) string {
	switch s {
	case StateNoData:
		return "Log in to OSM to load your data"
	case StateCachedOnly:
		return "You are offline"
	case StateTokenExpired:
		return "Session expired. Re-login or continue offline"
	case StateBlocked:
		return "Access temporarily blocked by OSM"
	default:
		return ""
	}
}
