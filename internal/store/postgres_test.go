package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// capturingQuerier records the SQL text handed to the store without touching
// a real database.
type capturingQuerier struct {
	lastSQL string
}

func (q *capturingQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.lastSQL = sql
	return pgconn.CommandTag{}, nil
}

func (q *capturingQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.lastSQL = sql
	return nil, errors.New("not implemented")
}

func (q *capturingQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL = sql
	return noRow{}
}

type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func TestGetApproval_PooledReadIsLockFree(t *testing.T) {
	q := &capturingQuerier{}
	s := &PostgresStore{db: q, pool: &pgxpool.Pool{}}

	_, err := s.GetApproval(context.Background(), "acme", "apr-1")
	if !IsNotFound(err) {
		t.Fatalf("GetApproval() error = %v, want not found", err)
	}
	if strings.Contains(q.lastSQL, "FOR UPDATE") {
		t.Errorf("pooled read locks the row: %s", q.lastSQL)
	}
}

func TestGetApproval_TransactionalReadLocks(t *testing.T) {
	q := &capturingQuerier{}
	s := &PostgresStore{db: q} // shape WithTx hands to its callback

	_, err := s.GetApproval(context.Background(), "acme", "apr-1")
	if !IsNotFound(err) {
		t.Fatalf("GetApproval() error = %v, want not found", err)
	}
	if !strings.Contains(q.lastSQL, "FOR UPDATE") {
		t.Errorf("claim read does not lock the row: %s", q.lastSQL)
	}
}
