// Package events rebuilds the event layer deterministically from stored
// CVEs and article links. CVEs sharing a product cluster into rolling
// merge windows; product-less CVEs that articles cite get single-CVE
// fallback events. The same pass walks the lifecycle machine and purges
// events too weak to keep. Every derived field is a function of the
// stored rows, so rebuilding twice against unchanged data yields
// identical events and identical link sets. Manual events are never
// touched: not rewritten, not transitioned, not purged.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage"
	"github.com/sempervigil/sempervigil/internal/types"
)

// Activation thresholds: one article link at or above this confidence,
// or this many article links at any confidence, moves an event out of
// proposed. Reopening a dormant or closed event demands the confidence
// bar, not the count.
const (
	activationConfidence = 0.9
	activationArticles   = 2
)

// Rebuilder recomputes the full event layer from storage.
type Rebuilder struct {
	store storage.Storage
	log   *slog.Logger
}

func NewRebuilder(store storage.Storage, log *slog.Logger) *Rebuilder {
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{store: store, log: log}
}

// RebuildResult reports one rebuild pass.
type RebuildResult struct {
	Clusters      int   `json:"clusters"`
	Singles       int   `json:"singles"`
	Created       int   `json:"created"`
	Activated     int   `json:"activated"`
	Refreshed     int   `json:"refreshed"`
	Reopened      int   `json:"reopened"`
	SkippedManual int   `json:"skipped_manual,omitempty"`
	Dormant       int   `json:"dormant"`
	Closed        int   `json:"closed"`
	Purged        int   `json:"purged"`
	DurationMS    int64 `json:"duration_ms"`
}

// Mutated reports whether the pass changed anything a site build could
// render differently.
func (r *RebuildResult) Mutated() bool {
	return r.Created+r.Activated+r.Refreshed+r.Reopened+r.Dormant+r.Closed+r.Purged > 0
}

// Rebuild recomputes every derived event, applies the stale-event
// transitions, and purges weak events. The read phase loads the whole
// corpus in three scans; the write phase commits one transaction per
// event so a cancel mid-pass leaves only complete events behind.
func (r *Rebuilder) Rebuild(ctx context.Context, rt *config.Runtime) (*RebuildResult, error) {
	start := time.Now()
	res := &RebuildResult{}

	pairs, err := r.store.ListCveProductPairs(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	rows, err := r.store.ListCVEs(ctx, types.CVEFilter{})
	if err != nil {
		return nil, err
	}
	cves := make(map[string]*types.CVE, len(rows))
	for _, c := range rows {
		cves[c.CVEID] = c
	}
	links, err := r.store.ListAllArticleCVELinks(ctx)
	if err != nil {
		return nil, err
	}
	linksByCVE := make(map[string][]*types.ArticleCVELink)
	for _, l := range links {
		linksByCVE[l.CVEID] = append(linksByCVE[l.CVEID], l)
	}

	clusters := buildClusters(pairs, rt.Events.MergeWindow())
	res.Clusters = len(clusters)
	paired := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		paired[p.CVEID] = true
	}

	for _, cl := range clusters {
		if err := r.apply(ctx, composeCluster(cl, cves, linksByCVE), res); err != nil {
			return nil, err
		}
	}
	singles := singleCVEIDs(cves, paired, linksByCVE)
	res.Singles = len(singles)
	for _, id := range singles {
		if err := r.apply(ctx, composeSingle(cves[id], linksByCVE[id]), res); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	dormant, closed, err := r.store.TransitionStaleEvents(ctx,
		now.Add(-rt.Events.DormantAfter()), now.Add(-rt.Events.CloseAfter()))
	if err != nil {
		return nil, err
	}
	res.Dormant, res.Closed = dormant, closed

	purged, err := r.store.PurgeWeakEvents(ctx, rt.Events.PurgeMinArticles, rt.Events.MinSeverity())
	if err != nil {
		return nil, err
	}
	res.Purged = len(purged)
	res.DurationMS = time.Since(start).Milliseconds()

	r.log.Info("events rebuilt",
		"clusters", res.Clusters, "singles", res.Singles,
		"created", res.Created, "activated", res.Activated,
		"refreshed", res.Refreshed, "reopened", res.Reopened,
		"dormant", res.Dormant, "closed", res.Closed, "purged", res.Purged)
	return res, nil
}

// apply upserts one drafted event and its three link sets in a single
// transaction. An existing manual event under the same key wins: the
// draft is dropped without touching the row.
func (r *Rebuilder) apply(ctx context.Context, d *draft, res *RebuildResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existing, err := r.store.GetEventByKey(ctx, d.Key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Kind == types.EventManual {
		res.SkippedManual++
		return nil
	}

	status, change := resolveStatus(existing, d)
	e := &types.Event{
		EventKey:    d.Key,
		Kind:        types.EventCVECluster,
		Title:       d.Title,
		Summary:     d.Summary,
		Severity:    d.Severity,
		Status:      status,
		FirstSeenAt: d.FirstSeen,
		LastSeenAt:  d.LastSeen,
	}
	err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertEvent(ctx, e); err != nil {
			return err
		}
		if err := tx.ReplaceEventLinks(ctx, e.ID, types.EventItemCVE, d.CVEs); err != nil {
			return err
		}
		if err := tx.ReplaceEventLinks(ctx, e.ID, types.EventItemProduct, d.Products); err != nil {
			return err
		}
		return tx.ReplaceEventLinks(ctx, e.ID, types.EventItemArticle, d.Articles)
	})
	if err != nil {
		return err
	}

	switch change {
	case changeCreated:
		res.Created++
	case changeActivated:
		res.Activated++
	case changeRefreshed:
		res.Refreshed++
	case changeReopened:
		res.Reopened++
		r.log.Info("event reopened",
			"event_key", d.Key, "from", existing.Status, "severity", d.Severity)
	}
	return nil
}

type changeKind int

const (
	changeNone changeKind = iota
	changeCreated
	changeActivated
	changeRefreshed
	changeReopened
)

// resolveStatus decides where the rebuilt event lands in the lifecycle.
// New events start proposed and activate once the article evidence
// clears a threshold. Active events with changed evidence move to
// updating until the next site build publishes the refreshed summary.
// Dormant and closed events reopen only on strong signals: a severity
// upgrade, or changed evidence carried by a high-confidence link.
func resolveStatus(existing *types.Event, d *draft) (types.EventStatus, changeKind) {
	activated := d.maxConfidence() >= activationConfidence || len(d.Articles) >= activationArticles
	if existing == nil {
		if activated {
			return types.EventActive, changeCreated
		}
		return types.EventProposed, changeCreated
	}

	changed := existing.Title != d.Title || existing.Summary != d.Summary || existing.Severity != d.Severity
	upgraded := d.Severity.Rank() > existing.Severity.Rank()
	reopen := upgraded || (changed && d.maxConfidence() >= activationConfidence)

	switch existing.Status {
	case types.EventProposed:
		if activated {
			return types.EventActive, changeActivated
		}
		return types.EventProposed, changeNone
	case types.EventActive:
		if changed {
			return types.EventUpdating, changeRefreshed
		}
		return types.EventActive, changeNone
	case types.EventUpdating:
		if changed {
			return types.EventUpdating, changeRefreshed
		}
		return types.EventUpdating, changeNone
	case types.EventDormant:
		if reopen {
			return types.EventActive, changeReopened
		}
		return types.EventDormant, changeNone
	case types.EventClosed:
		if reopen {
			return types.EventActive, changeReopened
		}
		return types.EventClosed, changeNone
	default:
		return existing.Status, changeNone
	}
}
