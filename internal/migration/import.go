package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"osmcache/internal/database"
	"osmcache/internal/model"
)

// ImportLegacy loads legacy blobs from a JSON object mapping blob keys to
// values, as exported by earlier client versions. Values are stored as the
// raw JSON text. All keys are written in one batch, together with resetting
// the phases that consume them so the next Run migrates them.
func ImportLegacy(ctx context.Context, db *database.DB, r io.Reader) (int, error) {
	var blobs map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&blobs); err != nil {
		return 0, fmt.Errorf("failed to decode legacy export: %w", err)
	}

	keys := make([]string, 0, len(blobs))
	for k := range blobs {
		if !strings.HasPrefix(k, database.LegacyPrefix) {
			return 0, fmt.Errorf("legacy export key %q must start with %q", k, database.LegacyPrefix)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reset := make(map[string]bool)
	err := db.Update(ctx, func(tx *database.Tx) error {
		for _, k := range keys {
			if err := tx.LegacyPut(k, blobs[k]); err != nil {
				return err
			}
			if name, ok := phaseFor(k); ok && !reset[name] {
				if err := tx.SetPhaseState(name, model.PhaseNotStarted, ""); err != nil {
					return err
				}
				reset[name] = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// phaseFor returns the phase that consumes a legacy key
func phaseFor(key string) (string, bool) {
	switch {
	case key == database.LegacyTermsKey:
		return PhaseTerms, true
	case strings.HasPrefix(key, database.LegacyMembersPrefix):
		return PhaseMembers, true
	case strings.HasPrefix(key, database.LegacyFlexiPrefix):
		return PhaseFlexiRecords, true
	}
	return "", false
}
