package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies how an event came to exist.
type EventKind string

const (
	EventCVECluster    EventKind = "cve_cluster"
	EventIncident      EventKind = "incident"
	EventProductChange EventKind = "product_change"
	EventManual        EventKind = "manual"
)

// EventStatus is the lifecycle state of an event.
//
// proposed -> active       confidence threshold crossed
// active  <-> updating     new evidence arrived, summary refresh pending
// active   -> dormant      no updates for dormant_after_days
// dormant  -> active       new high-confidence link
// dormant  -> closed       close_after_days of total inactivity
// closed   -> active       severity upgrade or major new evidence
type EventStatus string

const (
	EventProposed EventStatus = "proposed"
	EventActive   EventStatus = "active"
	EventUpdating EventStatus = "updating"
	EventDormant  EventStatus = "dormant"
	EventClosed   EventStatus = "closed"
)

// Event is a durable narrative grouping of CVEs, products, and articles.
// EventKey is stable across rebuilds: "cve:<id>" for single-CVE events,
// "cluster:<product_key>:<window_start>" for product clusters. Manual
// events are never modified or deleted by the rebuild or purge paths.
type Event struct {
	ID          string      `json:"id"`
	EventKey    string      `json:"event_key"`
	Kind        EventKind   `json:"kind"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Severity    Severity    `json:"severity,omitempty"`
	Status      EventStatus `json:"status"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks the invariants an event row must satisfy.
func (e *Event) Validate() error {
	if e.EventKey == "" {
		return fmt.Errorf("event_key is required")
	}
	switch e.Kind {
	case EventCVECluster, EventIncident, EventProductChange, EventManual:
	default:
		return fmt.Errorf("event %s: unknown kind %q", e.EventKey, e.Kind)
	}
	switch e.Status {
	case EventProposed, EventActive, EventUpdating, EventDormant, EventClosed:
	default:
		return fmt.Errorf("event %s: unknown status %q", e.EventKey, e.Status)
	}
	if e.LastSeenAt.Before(e.FirstSeenAt) {
		return fmt.Errorf("event %s: last_seen_at precedes first_seen_at", e.EventKey)
	}
	return nil
}

// SetDefaults fills zero-value fields with their defaults.
func (e *Event) SetDefaults() {
	now := time.Now().UTC()
	if e.Status == "" {
		e.Status = EventProposed
	}
	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = now
	}
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = e.FirstSeenAt
	}
	e.UpdatedAt = now
}

// EventItemType names the three event link tables.
type EventItemType string

const (
	EventItemCVE     EventItemType = "cve"
	EventItemProduct EventItemType = "product"
	EventItemArticle EventItemType = "article"
)

// EventLink is one row in an event link table. ItemKey is a cve_id,
// product_key, or article id depending on the item type. Primary key
// (EventID, ItemKey) per table keeps rebuilds idempotent.
type EventLink struct {
	EventID        string          `json:"event_id"`
	ItemType       EventItemType   `json:"item_type"`
	ItemKey        string          `json:"item_key"`
	Confidence     float64         `json:"confidence"`
	ConfidenceBand string          `json:"confidence_band,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
}

// EventFilter narrows ListEvents. Zero values are ignored.
type EventFilter struct {
	Kind         EventKind   `json:"kind,omitempty"`
	Status       EventStatus `json:"status,omitempty"`
	UpdatedSince *time.Time  `json:"updated_since,omitempty"`
	Limit        int         `json:"limit,omitempty"`
}
