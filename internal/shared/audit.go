package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/blake2b"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so recorders can join the
// caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ID       int64
	ActorID  int64
	Role     Role
	Action   string
	Entity   string
	EntityID string
	Before   map[string]any
	After    map[string]any
	Meta     map[string]any
	At       time.Time
	PrevHash string
	Hash     string
}

// GenesisHash seeds the chain of every entity.
var GenesisHash = hex.EncodeToString(make([]byte, blake2b.Size256))

// Validate checks the fields every entry must carry.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// ChainHash links log to prev. Timestamps are hashed at microsecond
// precision, which is what timestamptz keeps.
func ChainHash(prev string, log AuditLog) (string, error) {
	canonical, err := json.Marshal(map[string]any{
		"actor_id":  log.ActorID,
		"role":      string(log.Role),
		"action":    log.Action,
		"entity":    log.Entity,
		"entity_id": log.EntityID,
		"before":    log.Before,
		"after":     log.After,
		"meta":      log.Meta,
		"at":        log.At.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(prev))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal fills At, PrevHash and Hash.
func (l AuditLog) Seal(prev string, now time.Time) (AuditLog, error) {
	if l.At.IsZero() {
		l.At = now
	}
	l.At = l.At.UTC().Truncate(time.Microsecond)
	if prev == "" {
		prev = GenesisHash
	}
	hash, err := ChainHash(prev, l)
	if err != nil {
		return AuditLog{}, err
	}
	l.PrevHash = prev
	l.Hash = hash
	return l, nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db  DBTX
	now func() time.Time
}

// NewAuditLogger returns a new AuditLogger bound to db. Pass a pgx.Tx to make
// the entry part of the caller's unit of work.
func NewAuditLogger(db DBTX) *AuditLogger {
	return &AuditLogger{db: db, now: time.Now}
}

// Record persists the log entry after chaining it to the previous entry of
// the same entity.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	// The chain head row is locked for the rest of the tx. Under RepeatableRead
	// a head advanced by a writer that committed after our snapshot makes
	// Postgres raise a serialization failure instead of handing us a stale
	// previous hash.
	if _, err := l.db.Exec(ctx, `INSERT INTO audit_chain_heads (entity, entity_id, hash) VALUES ($1, $2, '') ON CONFLICT (entity, entity_id) DO NOTHING`, log.Entity, log.EntityID); err != nil {
		return fmt.Errorf("audit: init chain head: %w", err)
	}
	var prev string
	if err := l.db.QueryRow(ctx, `SELECT hash FROM audit_chain_heads WHERE entity=$1 AND entity_id=$2 FOR UPDATE`, log.Entity, log.EntityID).Scan(&prev); err != nil {
		return fmt.Errorf("audit: lock chain head: %w", err)
	}
	sealed, err := log.Seal(prev, l.now())
	if err != nil {
		return err
	}
	beforeJSON, err := json.Marshal(sealed.Before)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(sealed.After)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(sealed.Meta)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, role, action, entity, entity_id, before, after, meta, occurred_at, prev_hash, hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sealed.ActorID, string(sealed.Role), sealed.Action, sealed.Entity, sealed.EntityID,
		beforeJSON, afterJSON, metaJSON, sealed.At, sealed.PrevHash, sealed.Hash)
	if err != nil {
		return err
	}
	if _, err := l.db.Exec(ctx, `UPDATE audit_chain_heads SET hash=$3 WHERE entity=$1 AND entity_id=$2`, sealed.Entity, sealed.EntityID, sealed.Hash); err != nil {
		return fmt.Errorf("audit: advance chain head: %w", err)
	}
	return nil
}
