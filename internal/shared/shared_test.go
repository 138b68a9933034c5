package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKindOfAndRetryable(t *testing.T) {
	wrapped := fmt.Errorf("%w: caisse 3 balance 15000 < 20000", ErrInsufficientFunds)
	require.Equal(t, KindInsufficientFunds, KindOf(wrapped))
	require.False(t, Retryable(wrapped))
	require.True(t, Retryable(fmt.Errorf("update: %w", ErrConflict)))
	require.True(t, Retryable(ErrTransient))
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Empty(t, KindOf(nil))
	require.True(t, IsDomain(ErrIdempotencyConflict))
	require.False(t, IsDomain(errors.New("boom")))
}

func TestActorHasAnyReturnsFirstWantedRole(t *testing.T) {
	actor := Actor{ID: 7, Roles: []Role{RoleAccountant, RoleCashier}}
	role, ok := actor.HasAny(RoleCashier, RoleAccountant)
	require.True(t, ok)
	require.Equal(t, RoleCashier, role)
	_, ok = actor.HasAny(RoleManager)
	require.False(t, ok)
}

func TestActorContextRoundTrip(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)
	ctx := ContextWithActor(context.Background(), Actor{ID: 3, Name: "Awa"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, int64(3), actor.ID)
}

func TestChainHashDetectsTampering(t *testing.T) {
	at := time.Date(2024, 5, 2, 10, 0, 0, 123456789, time.UTC)
	first, err := AuditLog{ActorID: 1, Action: "caisse.transfer", Entity: "caisse", EntityID: "1", Meta: map[string]any{"amount": 5000}, At: at}.Seal("", at)
	require.NoError(t, err)
	require.Equal(t, GenesisHash, first.PrevHash)

	second, err := AuditLog{ActorID: 1, Action: "caisse.replenishment", Entity: "caisse", EntityID: "1", At: at.Add(time.Second)}.Seal(first.Hash, at)
	require.NoError(t, err)

	recomputed, err := ChainHash(first.Hash, second)
	require.NoError(t, err)
	require.Equal(t, second.Hash, recomputed)

	tampered := first
	tampered.Meta = map[string]any{"amount": 50000}
	h, err := ChainHash(tampered.PrevHash, tampered)
	require.NoError(t, err)
	require.NotEqual(t, first.Hash, h)
}

func TestSealTruncatesToMicroseconds(t *testing.T) {
	at := time.Date(2024, 5, 2, 10, 0, 0, 123456789, time.UTC)
	sealed, err := AuditLog{Action: "x", Entity: "e", EntityID: "1", At: at}.Seal("", at)
	require.NoError(t, err)
	require.Equal(t, 123456000, sealed.At.Nanosecond())
	require.Error(t, AuditLog{Action: "x"}.Validate())
}

func TestInflightGuardRejectsConcurrentClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := NewInflightGuard(client, time.Minute)
	key := ActionLockKey("request", 42, "pay")
	ctx := context.Background()

	release, err := guard.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrConflict)

	release()
	release2, err := guard.Acquire(ctx, key)
	require.NoError(t, err)
	release2()
	require.False(t, mr.Exists(key))
}

func TestInflightGuardExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	guard := NewInflightGuard(client, 5*time.Second)
	_, err := guard.Acquire(context.Background(), "k")
	require.NoError(t, err)
	mr.FastForward(6 * time.Second)
	_, err = guard.Acquire(context.Background(), "k")
	require.NoError(t, err)
}

func TestNilInflightGuardIsNoop(t *testing.T) {
	var guard *InflightGuard
	release, err := guard.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
}

type chainHeadKey struct{ entity, id string }

// headStore models audit_chain_heads plus the inserted audit rows.
type headStore struct {
	heads   map[chainHeadKey]string
	rows    []AuditLog
	stmts   []string
	lockErr error
}

type headRow struct {
	hash string
	err  error
}

func (r headRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.hash
	return nil
}

func (s *headStore) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.stmts = append(s.stmts, sql)
	switch {
	case strings.HasPrefix(sql, "INSERT INTO audit_chain_heads"):
		k := chainHeadKey{args[0].(string), args[1].(string)}
		if _, ok := s.heads[k]; !ok {
			s.heads[k] = ""
		}
	case strings.HasPrefix(sql, "INSERT INTO audit_logs"):
		s.rows = append(s.rows, AuditLog{Action: args[2].(string), Entity: args[3].(string), EntityID: args[4].(string), PrevHash: args[9].(string), Hash: args[10].(string)})
	case strings.HasPrefix(sql, "UPDATE audit_chain_heads"):
		s.heads[chainHeadKey{args[0].(string), args[1].(string)}] = args[2].(string)
	}
	return pgconn.CommandTag{}, nil
}

func (s *headStore) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (s *headStore) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	s.stmts = append(s.stmts, sql)
	if s.lockErr != nil {
		return headRow{err: s.lockErr}
	}
	hash, ok := s.heads[chainHeadKey{args[0].(string), args[1].(string)}]
	if !ok {
		return headRow{err: pgx.ErrNoRows}
	}
	return headRow{hash: hash}
}

func TestRecordChainsThroughLockedHead(t *testing.T) {
	store := &headStore{heads: map[chainHeadKey]string{}}
	logger := NewAuditLogger(store)
	ctx := context.Background()

	require.NoError(t, logger.Record(ctx, AuditLog{Action: "caisse.transfer", Entity: "caisse", EntityID: "1"}))
	require.NoError(t, logger.Record(ctx, AuditLog{Action: "caisse.transfer.failed", Entity: "caisse", EntityID: "1"}))
	require.NoError(t, logger.Record(ctx, AuditLog{Action: "caisse.replenishment", Entity: "caisse", EntityID: "2"}))

	require.Len(t, store.rows, 3)
	require.Equal(t, GenesisHash, store.rows[0].PrevHash)
	require.Equal(t, store.rows[0].Hash, store.rows[1].PrevHash)
	require.Equal(t, GenesisHash, store.rows[2].PrevHash)
	require.Equal(t, store.rows[1].Hash, store.heads[chainHeadKey{"caisse", "1"}])
	require.Equal(t, store.rows[2].Hash, store.heads[chainHeadKey{"caisse", "2"}])

	// head is read under a row lock, and advanced only after the entry exists
	require.Contains(t, store.stmts[1], "FOR UPDATE")
	require.True(t, strings.HasPrefix(store.stmts[2], "INSERT INTO audit_logs"))
	require.True(t, strings.HasPrefix(store.stmts[3], "UPDATE audit_chain_heads"))
}

func TestRecordSurfacesSerializationFailureOnHead(t *testing.T) {
	store := &headStore{heads: map[chainHeadKey]string{}, lockErr: &pgconn.PgError{Code: "40001"}}
	err := NewAuditLogger(store).Record(context.Background(), AuditLog{Action: "caisse.transfer", Entity: "caisse", EntityID: "1"})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "40001", pgErr.Code)
	require.Empty(t, store.rows)
}
