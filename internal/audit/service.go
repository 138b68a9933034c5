// Package audit reads the hash-chained audit trail back for reviewers.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

// QueryParams mirrors the optional filters in SQL-friendly form.
type QueryParams struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	ActorID    pgtype.Int8
	Entity     pgtype.Text
	EntityID   pgtype.Text
	Action     pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// Repository loads audit entries.
type Repository interface {
	TimelineWindow(ctx context.Context, arg QueryParams) ([]shared.AuditLog, error)
	TimelineAll(ctx context.Context, arg QueryParams) ([]shared.AuditLog, error)
	Chain(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Service coordinates audit reads.
type Service struct {
	repo Repository
}

// NewService constructs the audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of entries, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params := toParams(filters)
	params.OffsetRows = int32((page - 1) * pageSize)
	params.LimitRows = int32(pageSize + 1)
	logs, err := s.repo.TimelineWindow(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(logs) > pageSize
	if hasNext {
		logs = logs[:pageSize]
	}
	rows := make([]TimelineRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, toRow(l))
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching entry without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	logs, err := s.repo.TimelineAll(ctx, toParams(filters))
	if err != nil {
		return nil, err
	}
	rows := make([]TimelineRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, toRow(l))
	}
	return rows, nil
}

// Trail returns the full history of one entity, oldest first.
func (s *Service) Trail(ctx context.Context, entity, entityID string) ([]TimelineRow, error) {
	logs, err := s.chain(ctx, entity, entityID)
	if err != nil {
		return nil, err
	}
	rows := make([]TimelineRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, toRow(l))
	}
	return rows, nil
}

// Verify recomputes the chain of one entity and reports the first entry
// whose link or content no longer matches.
func (s *Service) Verify(ctx context.Context, entity, entityID string) (Verification, error) {
	logs, err := s.chain(ctx, entity, entityID)
	if err != nil {
		return Verification{}, err
	}
	out := Verification{Entity: entity, EntityID: entityID, Entries: len(logs), Valid: true}
	prev := shared.GenesisHash
	for _, l := range logs {
		if l.PrevHash != prev {
			out.Valid, out.BrokenAt, out.Reason = false, l.ID, "previous hash mismatch"
			return out, nil
		}
		hash, err := shared.ChainHash(prev, l)
		if err != nil {
			return Verification{}, err
		}
		if hash != l.Hash {
			out.Valid, out.BrokenAt, out.Reason = false, l.ID, "content hash mismatch"
			return out, nil
		}
		prev = l.Hash
	}
	return out, nil
}

func (s *Service) chain(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	entity, entityID = strings.TrimSpace(entity), strings.TrimSpace(entityID)
	if entity == "" || entityID == "" {
		return nil, fmt.Errorf("%w: entity and entity_id are required", shared.ErrValidation)
	}
	return s.repo.Chain(ctx, entity, entityID)
}

func toParams(filters TimelineFilters) QueryParams {
	params := QueryParams{
		FromAt:   toPgTime(filters.From),
		ToAt:     toPgTime(filters.To),
		Entity:   optionalText(filters.Entity),
		EntityID: optionalText(filters.EntityID),
		Action:   optionalText(filters.Action),
	}
	if filters.ActorID > 0 {
		params.ActorID = pgtype.Int8{Int64: filters.ActorID, Valid: true}
	}
	return params
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
