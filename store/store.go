// Package store is the persistence coordinator: a thin transactional layer
// over PostgreSQL that assigns per-conversation sequence numbers, journals
// message events, enforces optimistic locks and implements edit-as-fork.
// Operations on one conversation are serialized by locking the conversation
// row; no transaction ever spans an upstream network call.
//
// Every read path takes the owning user ID as an equality predicate. There is
// no by-id-alone accessor in the public interface.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors surfaced to the pipeline's error taxonomy.
var (
	// ErrConflict reports an optimistic-lock failure: the conversation moved
	// past the expected_last_seq supplied by the client.
	ErrConflict = errors.New("store: sequence conflict")

	// ErrNotFound reports a missing row or one not owned by the caller.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminalMessage reports an event append against a finalized message.
	ErrTerminalMessage = errors.New("store: message is terminal")
)

// Store wraps the shared connection pool.
type Store struct {
	pool   *pgxpool.Pool
	keyBox *KeyBox
	limits Limits
}

// New connects the pool and prepares the key box used to encrypt provider
// API keys at rest.
func New(ctx context.Context, databaseURL string, masterKey [32]byte) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool, keyBox: NewKeyBox(masterKey)}, nil
}

// NewWithPool wraps an existing pool, mainly for tests.
func NewWithPool(pool *pgxpool.Pool, masterKey [32]byte) *Store {
	return &Store{pool: pool, keyBox: NewKeyBox(masterKey)}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockConversation locks the conversation row and returns its next_seq.
// Same-conversation mutations serialize here; cross-conversation operations
// stay concurrent.
func lockConversation(ctx context.Context, tx pgx.Tx, conversationID, userID string) (int64, error) {
	var nextSeq int64
	err := tx.QueryRow(ctx, `
		SELECT next_seq FROM conversations
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		FOR UPDATE`,
		conversationID, userID,
	).Scan(&nextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: lock conversation: %w", err)
	}
	return nextSeq, nil
}
