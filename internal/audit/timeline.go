package audit

import (
	"time"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// TimelineFilters holds the optional filters of the audit timeline. Zero
// values mean "any".
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	EntityID string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one audit entry as shown to reviewers.
type TimelineRow struct {
	ID       int64          `json:"id"`
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id"`
	Role     string         `json:"role"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Hash     string         `json:"hash"`
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Verification reports whether an entity chain still hashes end to end.
type Verification struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func toRow(l shared.AuditLog) TimelineRow {
	return TimelineRow{
		ID:       l.ID,
		At:       l.At,
		ActorID:  l.ActorID,
		Role:     string(l.Role),
		Action:   l.Action,
		Entity:   l.Entity,
		EntityID: l.EntityID,
		Before:   l.Before,
		After:    l.After,
		Meta:     l.Meta,
		Hash:     l.Hash,
	}
}
