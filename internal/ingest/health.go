package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// streakLimit is how much run history the streak scan considers.
const streakLimit = 20

// Streaks summarizes the head of a source's health history.
type Streaks struct {
	Errors int
	Zeros  int
}

// computeStreaks counts the leading runs in newest-first health rows.
// The error streak is consecutive failed runs; the zero streak is
// consecutive clean runs that accepted nothing. A skipped run (ok with
// a note in LastError) breaks both because it says nothing about the
// feed, and a 304 contact breaks both because it proves the feed is
// alive, just quiet.
func computeStreaks(rows []*types.SourceHealth) Streaks {
	var s Streaks
	for _, h := range rows {
		if h.OK {
			break
		}
		s.Errors++
	}
	for _, h := range rows {
		if !isZeroRun(h) {
			break
		}
		s.Zeros++
	}
	return s
}

func isZeroRun(h *types.SourceHealth) bool {
	if !h.OK || h.AcceptedCount > 0 || h.LastError != "" {
		return false
	}
	return h.HTTPStatus == nil || *h.HTTPStatus != http.StatusNotModified
}

// maybeAutoPause pauses the source when a streak limit trips, error
// streak first. It reads history after the current run's row is
// committed, so the run that tripped the limit counts. Returns the
// pause reason applied, or "".
func maybeAutoPause(ctx context.Context, store storage.Storage, sourceID string, cfg config.PauseOnFailure, now time.Time) (string, error) {
	if !cfg.Enabled {
		return "", nil
	}
	rows, err := store.RecentSourceHealth(ctx, sourceID, streakLimit)
	if err != nil {
		return "", err
	}
	st := computeStreaks(rows)

	var reason string
	switch {
	case cfg.ErrorStreak > 0 && st.Errors >= cfg.ErrorStreak:
		reason = fmt.Sprintf("auto_pause:error_streak:%d", st.Errors)
	case cfg.ZeroStreak > 0 && st.Zeros >= cfg.ZeroStreak:
		reason = fmt.Sprintf("auto_pause:zero_streak:%d", st.Zeros)
	default:
		return "", nil
	}
	until := now.UTC().Add(cfg.PauseFor())
	if err := store.SetSourcePause(ctx, sourceID, until, reason); err != nil {
		return "", err
	}
	return reason, nil
}
