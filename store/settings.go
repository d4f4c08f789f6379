package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatforge/chatforge/tools"
)

// UserSettings are per-user knobs. ToolKeyNames lists which tool credentials
// are configured; the keys themselves stay sealed.
type UserSettings struct {
	MaxToolIterations int      `json:"max_tool_iterations"`
	ToolKeyNames      []string `json:"tool_key_names"`
}

// EnsureUser upserts the user row, called when a valid token arrives for a
// user we have not seen yet.
func (s *Store) EnsureUser(ctx context.Context, userID, email string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		userID, email,
	); err != nil {
		return fmt.Errorf("store: ensure user: %w", err)
	}
	return nil
}

// GetUserSettings returns the user's settings, zero-valued when unset.
func (s *Store) GetUserSettings(ctx context.Context, userID string) (UserSettings, error) {
	var (
		out  UserSettings
		keys json.RawMessage
	)
	err := s.pool.QueryRow(ctx, `
		SELECT max_tool_iterations, tool_keys FROM user_settings WHERE user_id = $1`,
		userID,
	).Scan(&out.MaxToolIterations, &keys)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserSettings{}, nil
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("store: user settings: %w", err)
	}
	var sealed map[string]string
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &sealed); err != nil {
			return UserSettings{}, fmt.Errorf("store: decode tool keys: %w", err)
		}
	}
	for name := range sealed {
		out.ToolKeyNames = append(out.ToolKeyNames, name)
	}
	return out, nil
}

// SetMaxToolIterations stores the user's iteration cap. Zero resets to the
// server default.
func (s *Store) SetMaxToolIterations(ctx context.Context, userID string, n int) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, max_tool_iterations)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			max_tool_iterations = EXCLUDED.max_tool_iterations,
			updated_at = now()`,
		userID, n,
	); err != nil {
		return fmt.Errorf("store: set iterations: %w", err)
	}
	return nil
}

// SetToolKey seals and stores one tool credential. An empty key removes it.
func (s *Store) SetToolKey(ctx context.Context, userID, toolName, key string) error {
	if key == "" {
		if _, err := s.pool.Exec(ctx, `
			UPDATE user_settings SET tool_keys = tool_keys - $2, updated_at = now()
			WHERE user_id = $1`,
			userID, toolName,
		); err != nil {
			return fmt.Errorf("store: delete tool key: %w", err)
		}
		return nil
	}
	sealed, err := s.keyBox.Seal(key)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(sealed))
	if err != nil {
		return fmt.Errorf("store: encode tool key: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, tool_keys)
		VALUES ($1, jsonb_build_object($2::text, $3::jsonb))
		ON CONFLICT (user_id) DO UPDATE SET
			tool_keys = user_settings.tool_keys || jsonb_build_object($2::text, $3::jsonb),
			updated_at = now()`,
		userID, toolName, encoded,
	); err != nil {
		return fmt.Errorf("store: set tool key: %w", err)
	}
	return nil
}

// ToolKey returns the decrypted credential for a tool, empty when unset.
func (s *Store) ToolKey(ctx context.Context, userID, toolName string) (string, error) {
	var encoded *string
	err := s.pool.QueryRow(ctx, `
		SELECT tool_keys ->> $2 FROM user_settings WHERE user_id = $1`,
		userID, toolName,
	).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) || encoded == nil {
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("store: tool key: %w", err)
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: tool key: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return "", fmt.Errorf("store: decode tool key: %w", err)
	}
	return s.keyBox.Open(sealed)
}

// HasToolKey reports whether a credential is configured for the tool.
func (s *Store) HasToolKey(ctx context.Context, userID, toolName string) (bool, error) {
	key, err := s.ToolKey(ctx, userID, toolName)
	if err != nil {
		return false, err
	}
	return key != "", nil
}

// PreviousResponseID returns provider-held continuity state for the
// conversation, empty when none.
func (s *Store) PreviousResponseID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT previous_response_id FROM provider_state WHERE conversation_id = $1`,
		conversationID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: provider state: %w", err)
	}
	return id, nil
}

// SetPreviousResponseID upserts the continuity pointer after a completed
// Responses API turn.
func (s *Store) SetPreviousResponseID(ctx context.Context, conversationID, responseID string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO provider_state (conversation_id, previous_response_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET
			previous_response_id = EXCLUDED.previous_response_id,
			updated_at = now()`,
		conversationID, responseID,
	); err != nil {
		return fmt.Errorf("store: set provider state: %w", err)
	}
	return nil
}

// ClearProviderState drops the continuity pointer, forcing the next turn to
// resend full history.
func (s *Store) ClearProviderState(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM provider_state WHERE conversation_id = $1`,
		conversationID,
	); err != nil {
		return fmt.Errorf("store: clear provider state: %w", err)
	}
	return nil
}

// AppendJournal stores one journal entry.
func (s *Store) AppendJournal(ctx context.Context, userID, text string) (tools.JournalEntry, error) {
	entry := tools.JournalEntry{ID: uuid.NewString(), Text: text}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO journal_entries (id, user_id, text)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		entry.ID, userID, text,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return tools.JournalEntry{}, fmt.Errorf("store: append journal: %w", err)
	}
	return entry, nil
}

// ListJournal returns the user's most recent entries.
func (s *Store) ListJournal(ctx context.Context, userID string, limit int) ([]tools.JournalEntry, error) {
	return s.queryJournal(ctx, `
		SELECT id, text, created_at FROM journal_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
}

// SearchJournal returns entries whose text matches the query.
func (s *Store) SearchJournal(ctx context.Context, userID, query string, limit int) ([]tools.JournalEntry, error) {
	return s.queryJournal(ctx, `
		SELECT id, text, created_at FROM journal_entries
		WHERE user_id = $1 AND text ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC
		LIMIT $3`,
		userID, query, limit)
}

func (s *Store) queryJournal(ctx context.Context, query string, args ...any) ([]tools.JournalEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: journal query: %w", err)
	}
	defer rows.Close()
	var out []tools.JournalEntry
	for rows.Next() {
		var e tools.JournalEntry
		if err := rows.Scan(&e.ID, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
