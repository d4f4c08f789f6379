package store

import (
	"context"
	"fmt"
)

// Migrate creates the schema. Statements are idempotent so the server can run
// them on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		max_tool_iterations INT NOT NULL DEFAULT 0,
		tool_keys JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS providers (
		id UUID PRIMARY KEY,
		owner_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		api_key_enc BYTEA NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		extra_headers JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS providers_default_per_user
		ON providers (owner_user_id) WHERE is_default`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		settings JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		next_seq BIGINT NOT NULL DEFAULT 1,
		parent_conversation_id UUID,
		forked_at_seq BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_user
		ON conversations (user_id) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		client_message_id UUID,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		content JSONB NOT NULL DEFAULT '[]'::jsonb,
		content_json JSONB,
		reasoning_details JSONB,
		provider_id UUID,
		model TEXT NOT NULL DEFAULT '',
		parent_message_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ
	)`,
	// Soft-removed rows keep their seq and client handle; uniqueness only
	// holds among live rows so an append after an edit can reuse the slot.
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_seq
		ON messages (conversation_id, seq)
		WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_client_id
		ON messages (conversation_id, client_message_id)
		WHERE client_message_id IS NOT NULL AND deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS message_events (
		message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		event_seq INT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, event_seq)
	)`,

	`CREATE TABLE IF NOT EXISTS tool_calls (
		message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		call_index INT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments_json JSONB NOT NULL DEFAULT '{}'::jsonb,
		text_offset INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		output_ref JSONB,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		PRIMARY KEY (message_id, call_index)
	)`,

	`CREATE TABLE IF NOT EXISTS provider_state (
		conversation_id UUID PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		previous_response_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS journal_entries (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS journal_user_created
		ON journal_entries (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS blob_meta (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
