package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrLimitExceeded reports a per-user retention cap being hit.
var ErrLimitExceeded = errors.New("store: limit exceeded")

// Limits are optional per-user caps. Zero means unlimited.
type Limits struct {
	MaxConversationsPerUser    int
	MaxMessagesPerConversation int
}

// SetLimits installs retention caps checked on create and append.
func (s *Store) SetLimits(l Limits) { s.limits = l }

// CreateConversation inserts a conversation owned by userID.
func (s *Store) CreateConversation(ctx context.Context, userID, title string, settings ConversationSettings) (Conversation, error) {
	conv := Conversation{
		ID:       uuid.NewString(),
		UserID:   userID,
		Title:    title,
		Settings: settings,
		NextSeq:  1,
		Metadata: map[string]any{},
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if s.limits.MaxConversationsPerUser > 0 {
			var count int
			if err := tx.QueryRow(ctx, `
				SELECT count(*) FROM conversations
				WHERE user_id = $1 AND deleted_at IS NULL`,
				userID,
			).Scan(&count); err != nil {
				return fmt.Errorf("store: count conversations: %w", err)
			}
			if count >= s.limits.MaxConversationsPerUser {
				return ErrLimitExceeded
			}
		}
		raw, err := json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("store: marshal settings: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversations (id, user_id, title, settings)
			VALUES ($1, $2, $3, $4)`,
			conv.ID, userID, title, raw,
		); err != nil {
			return fmt.Errorf("store: create conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return s.GetConversation(ctx, userID, conv.ID)
}

// GetConversation returns one live conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx, conversationColumns+`
		FROM conversations
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		conversationID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's live conversations, newest activity
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, conversationColumns+`
		FROM conversations
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ConversationPatch updates only the fields that are set.
type ConversationPatch struct {
	Title    *string
	Settings *ConversationSettings
	Metadata map[string]any
}

// UpdateConversation applies a partial update under the row lock.
func (s *Store) UpdateConversation(ctx context.Context, userID, conversationID string, patch ConversationPatch) (Conversation, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockConversation(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		if patch.Title != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE conversations SET title = $1, updated_at = now() WHERE id = $2`,
				*patch.Title, conversationID,
			); err != nil {
				return fmt.Errorf("store: update title: %w", err)
			}
		}
		if patch.Settings != nil {
			raw, err := json.Marshal(patch.Settings)
			if err != nil {
				return fmt.Errorf("store: marshal settings: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE conversations SET settings = $1, updated_at = now() WHERE id = $2`,
				raw, conversationID,
			); err != nil {
				return fmt.Errorf("store: update settings: %w", err)
			}
		}
		if patch.Metadata != nil {
			raw, err := json.Marshal(patch.Metadata)
			if err != nil {
				return fmt.Errorf("store: marshal metadata: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE conversations SET metadata = $1, updated_at = now() WHERE id = $2`,
				raw, conversationID,
			); err != nil {
				return fmt.Errorf("store: update metadata: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return s.GetConversation(ctx, userID, conversationID)
}

// DeleteConversation soft-removes a conversation. History stays until the
// retention sweep hard-deletes it.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET deleted_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeDeleted hard-deletes conversations soft-removed more than
// retentionDays ago, along with their messages via cascade. Returns the
// number of conversations removed.
func (s *Store) PurgeDeleted(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversations
		WHERE deleted_at IS NOT NULL
		  AND deleted_at < now() - make_interval(days => $1)`,
		retentionDays,
	)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

const conversationColumns = `
	SELECT id, user_id, title, settings, metadata, next_seq,
		parent_conversation_id::text, forked_at_seq, created_at, updated_at`

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		conv     Conversation
		settings json.RawMessage
		metadata json.RawMessage
	)
	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Title, &settings, &metadata,
		&conv.NextSeq, &conv.ParentID, &conv.ForkedAtSeq,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &conv.Settings); err != nil {
			return Conversation{}, fmt.Errorf("store: decode settings: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return Conversation{}, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	return conv, nil
}
