package events

import (
	"fmt"
	"sort"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// cluster is one product's CVE activity inside a single merge window.
// The anchor is the earliest last-modified timestamp in the window; it
// names the window in the event key, so rebuilding against unchanged
// data reproduces the same keys.
type cluster struct {
	ProductKey string
	Anchor     time.Time
	CVEIDs     []string
}

// Key returns the stable event key for this cluster.
func (c *cluster) Key() string {
	return fmt.Sprintf("cluster:%s:%s", c.ProductKey, c.Anchor.UTC().Format("2006-01-02"))
}

// buildClusters groups each product's CVEs into fixed merge windows.
// The first pair for a product anchors a window, pairs modified within
// `window` of the anchor join it, and the first pair at or past the
// edge anchors the next one. Input is sorted here so the grouping never
// depends on store ordering.
func buildClusters(pairs []types.CveProductPair, window time.Duration) []*cluster {
	sorted := make([]types.CveProductPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ProductKey != b.ProductKey {
			return a.ProductKey < b.ProductKey
		}
		if !a.LastModified.Equal(b.LastModified) {
			return a.LastModified.Before(b.LastModified)
		}
		return a.CVEID < b.CVEID
	})

	var (
		out  []*cluster
		cur  *cluster
		seen map[string]bool
	)
	for _, p := range sorted {
		if cur == nil || cur.ProductKey != p.ProductKey || p.LastModified.Sub(cur.Anchor) >= window {
			cur = &cluster{ProductKey: p.ProductKey, Anchor: p.LastModified.UTC()}
			out = append(out, cur)
			seen = make(map[string]bool)
		}
		if seen[p.CVEID] {
			continue
		}
		seen[p.CVEID] = true
		cur.CVEIDs = append(cur.CVEIDs, p.CVEID)
	}
	return out
}

// singleCVEIDs selects the product-less CVEs that still warrant their
// own event: those cited by at least one article. Records with neither
// a product nor a citation stay out of the event table entirely.
func singleCVEIDs(cves map[string]*types.CVE, paired map[string]bool, linksByCVE map[string][]*types.ArticleCVELink) []string {
	var ids []string
	for id := range cves {
		if paired[id] || len(linksByCVE[id]) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
