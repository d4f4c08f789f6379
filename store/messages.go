package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatforge/chatforge/model"
)

// AppendUserInput carries one user message to append.
type AppendUserInput struct {
	ConversationID  string
	UserID          string
	ClientMessageID string
	// ExpectedLastSeq, when set, must equal the conversation's current last
	// sequence number or the append fails with ErrConflict.
	ExpectedLastSeq *int64
	Parts           []model.Part
}

// AppendUserMessage appends a user message at seq = next_seq and advances the
// counter, all under the conversation row lock. A repeated ClientMessageID
// returns the previously stored message instead of inserting a duplicate.
func (s *Store) AppendUserMessage(ctx context.Context, in AppendUserInput) (Message, error) {
	var msg Message
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		nextSeq, err := lockConversation(ctx, tx, in.ConversationID, in.UserID)
		if err != nil {
			return err
		}
		if in.ClientMessageID != "" {
			existing, err := scanMessage(tx.QueryRow(ctx, messageColumns+`
				FROM messages
				WHERE conversation_id = $1 AND client_message_id = $2 AND deleted_at IS NULL`,
				in.ConversationID, in.ClientMessageID,
			))
			if err == nil {
				msg = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("store: client message lookup: %w", err)
			}
		}
		if in.ExpectedLastSeq != nil && *in.ExpectedLastSeq != nextSeq-1 {
			return ErrConflict
		}
		if max := s.limits.MaxMessagesPerConversation; max > 0 && nextSeq > int64(max) {
			return ErrLimitExceeded
		}
		content, err := marshalParts(in.Parts)
		if err != nil {
			return err
		}
		msg = Message{
			ID:              uuid.NewString(),
			ConversationID:  in.ConversationID,
			UserID:          in.UserID,
			Seq:             nextSeq,
			ClientMessageID: in.ClientMessageID,
			Role:            model.RoleUser,
			Status:          StatusFinal,
			Parts:           in.Parts,
		}
		if err := insertMessage(ctx, tx, msg, content); err != nil {
			return err
		}
		return bumpNextSeq(ctx, tx, in.ConversationID, nextSeq+1)
	})
	return msg, err
}

// BeginAssistantMessage reserves the next sequence number for an assistant
// reply and creates it in streaming state so a crash leaves a visible,
// recoverable placeholder.
func (s *Store) BeginAssistantMessage(ctx context.Context, userID, conversationID, providerID, modelName string) (Message, error) {
	var msg Message
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		nextSeq, err := lockConversation(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		msg = Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			UserID:         userID,
			Seq:            nextSeq,
			Role:           model.RoleAssistant,
			Status:         StatusStreaming,
			ProviderID:     providerID,
			Model:          modelName,
		}
		if err := insertMessage(ctx, tx, msg, json.RawMessage(`[]`)); err != nil {
			return err
		}
		return bumpNextSeq(ctx, tx, conversationID, nextSeq+1)
	})
	return msg, err
}

// AppendEvents journals a batch of events for a streaming message. Event
// sequence numbers must already be contiguous; the batch fails with
// ErrTerminalMessage once the message has been finalized.
func (s *Store) AppendEvents(ctx context.Context, userID, messageID string, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		status, err := messageStatus(ctx, tx, userID, messageID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return ErrTerminalMessage
		}
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(`
				INSERT INTO message_events (message_id, event_seq, type, payload)
				VALUES ($1, $2, $3, $4)`,
				messageID, row.EventSeq, string(row.Type), row.Payload,
			)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range rows {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("store: append event: %w", err)
			}
		}
		return nil
	})
}

// FinalizeInput is the terminal write for an assistant message.
type FinalizeInput struct {
	UserID    string
	MessageID string
	Status    Status
	Replay    Replay
	// RawResponse is the provider's final payload, kept verbatim for export.
	RawResponse      json.RawMessage
	ReasoningDetails json.RawMessage
	ToolCalls        []ToolCallRow
}

// FinalizeMessage writes the derived content and tool call rows and moves the
// message to a terminal status. The stored content is the fold of the
// journaled events, so a reader replaying message_events reproduces it.
func (s *Store) FinalizeMessage(ctx context.Context, in FinalizeInput) error {
	if !in.Status.Terminal() {
		return fmt.Errorf("store: finalize with non-terminal status %q", in.Status)
	}
	content, err := marshalParts(in.Replay.Parts())
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		status, err := messageStatus(ctx, tx, in.UserID, in.MessageID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return ErrTerminalMessage
		}
		tag, err := tx.Exec(ctx, `
			UPDATE messages
			SET status = $1, content = $2, content_json = $3,
			    reasoning_details = $4, updated_at = now()
			WHERE id = $5`,
			string(in.Status), content, in.RawResponse, in.ReasoningDetails, in.MessageID,
		)
		if err != nil {
			return fmt.Errorf("store: finalize message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		for _, call := range in.ToolCalls {
			// No conflict handling: a duplicate (message_id, call_index) means
			// the caller assigned indexes wrong, and merging would hide it.
			if _, err := tx.Exec(ctx, `
				INSERT INTO tool_calls
					(message_id, call_index, tool_name, arguments_json,
					 text_offset, status, output_ref, started_at, completed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				in.MessageID, call.CallIndex, call.ToolName, nonNilJSON(call.Arguments),
				call.TextOffset, string(call.Status), call.OutputRef,
				call.StartedAt, call.CompletedAt,
			); err != nil {
				return fmt.Errorf("store: finalize tool call %d: %w", call.CallIndex, err)
			}
		}
		return nil
	})
}

// EditMessage rewrites a user message as a fork. The target is addressed by
// its client message ID, the stable handle the client holds. The new
// conversation gets the prefix up to the edited message, with the edit
// applied; the original keeps everything through the edited message but the
// tail after it is soft-removed and the sequence counter rewinds so the next
// append lands where the tail was. Provider-held state is cleared on both
// sides.
func (s *Store) EditMessage(ctx context.Context, userID, conversationID, clientMessageID string, expectedLastSeq *int64, parts []model.Part) (Conversation, error) {
	var fork Conversation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		nextSeq, err := lockConversation(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if expectedLastSeq != nil && *expectedLastSeq != nextSeq-1 {
			return ErrConflict
		}
		var (
			editSeq int64
			role    string
			orig    Conversation
		)
		err = tx.QueryRow(ctx, `
			SELECT seq, role FROM messages
			WHERE conversation_id = $1 AND user_id = $2 AND client_message_id = $3
			  AND deleted_at IS NULL`,
			conversationID, userID, clientMessageID,
		).Scan(&editSeq, &role)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: load edited message: %w", err)
		}
		if model.Role(role) != model.RoleUser {
			return fmt.Errorf("store: only user messages can be edited: %w", ErrNotFound)
		}
		orig, err = scanConversation(tx.QueryRow(ctx, conversationColumns+`
			FROM conversations WHERE id = $1`, conversationID))
		if err != nil {
			return fmt.Errorf("store: load conversation: %w", err)
		}

		fork = Conversation{
			ID:          uuid.NewString(),
			UserID:      userID,
			Title:       orig.Title,
			Settings:    orig.Settings,
			Metadata:    orig.Metadata,
			NextSeq:     editSeq + 1,
			ParentID:    &conversationID,
			ForkedAtSeq: &editSeq,
		}
		settings, err := json.Marshal(fork.Settings)
		if err != nil {
			return fmt.Errorf("store: marshal settings: %w", err)
		}
		metadata, err := json.Marshal(orDefaultMeta(fork.Metadata))
		if err != nil {
			return fmt.Errorf("store: marshal metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversations
				(id, user_id, title, settings, metadata, next_seq,
				 parent_conversation_id, forked_at_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			fork.ID, userID, fork.Title, settings, metadata,
			fork.NextSeq, conversationID, editSeq,
		); err != nil {
			return fmt.Errorf("store: create fork: %w", err)
		}

		// Copy the untouched prefix with fresh message IDs, keeping client
		// message IDs so client handles resolve in the fork too.
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages
				(id, conversation_id, user_id, seq, client_message_id, role, status,
				 content, content_json, reasoning_details, provider_id, model, created_at)
			SELECT gen_random_uuid(), $1, user_id, seq, client_message_id, role, status,
				content, content_json, reasoning_details, provider_id, model, created_at
			FROM messages
			WHERE conversation_id = $2 AND seq < $3 AND deleted_at IS NULL
			ORDER BY seq`,
			fork.ID, conversationID, editSeq,
		); err != nil {
			return fmt.Errorf("store: copy prefix: %w", err)
		}

		content, err := marshalParts(parts)
		if err != nil {
			return err
		}
		edited := Message{
			ID:              uuid.NewString(),
			ConversationID:  fork.ID,
			UserID:          userID,
			Seq:             editSeq,
			ClientMessageID: clientMessageID,
			Role:            model.RoleUser,
			Status:          StatusFinal,
		}
		if err := insertMessage(ctx, tx, edited, content); err != nil {
			return err
		}

		// The edited message itself stays in the original; only the tail
		// after it is removed.
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET deleted_at = now()
			WHERE conversation_id = $1 AND seq > $2 AND deleted_at IS NULL`,
			conversationID, editSeq,
		); err != nil {
			return fmt.Errorf("store: remove original tail: %w", err)
		}
		if err := bumpNextSeq(ctx, tx, conversationID, editSeq+1); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM provider_state WHERE conversation_id = ANY($1)`,
			[]string{conversationID, fork.ID},
		); err != nil {
			return fmt.Errorf("store: clear provider state: %w", err)
		}
		return nil
	})
	return fork, err
}

// ListMessages returns the live messages of a conversation in sequence order.
func (s *Store) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if err := s.requireConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND user_id = $2 AND deleted_at IS NULL
		ORDER BY seq`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LoadEvents returns a message's journal in event_seq order, used when
// recovering a stream that was cut off mid-flight.
func (s *Store) LoadEvents(ctx context.Context, userID, messageID string) ([]EventRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.message_id, e.event_seq, e.type, e.payload
		FROM message_events e
		JOIN messages m ON m.id = e.message_id
		WHERE e.message_id = $1 AND m.user_id = $2
		ORDER BY e.event_seq`,
		messageID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load events: %w", err)
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var (
			row EventRow
			typ string
		)
		if err := rows.Scan(&row.MessageID, &row.EventSeq, &typ, &row.Payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		row.Type = EventType(typ)
		out = append(out, row)
	}
	return out, rows.Err()
}

const messageColumns = `
	SELECT id, conversation_id, user_id, seq, COALESCE(client_message_id::text, ''),
		role, status, content, content_json, reasoning_details,
		COALESCE(provider_id::text, ''), model, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg     Message
		role    string
		status  string
		content json.RawMessage
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Seq, &msg.ClientMessageID,
		&role, &status, &content, &msg.ContentJSON, &msg.ReasoningDetails,
		&msg.ProviderID, &msg.Model, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	msg.Role = model.Role(role)
	msg.Status = Status(status)
	msg.Parts, err = unmarshalParts(content)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, msg Message, content json.RawMessage) error {
	var clientID any
	if msg.ClientMessageID != "" {
		clientID = msg.ClientMessageID
	}
	var providerID any
	if msg.ProviderID != "" {
		providerID = msg.ProviderID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, user_id, seq, client_message_id,
			 role, status, content, provider_id, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Seq, clientID,
		string(msg.Role), string(msg.Status), content, providerID, msg.Model,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func bumpNextSeq(ctx context.Context, tx pgx.Tx, conversationID string, nextSeq int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET next_seq = $1, updated_at = now() WHERE id = $2`,
		nextSeq, conversationID,
	); err != nil {
		return fmt.Errorf("store: advance next_seq: %w", err)
	}
	return nil
}

func messageStatus(ctx context.Context, tx pgx.Tx, userID, messageID string) (Status, error) {
	var status string
	err := tx.QueryRow(ctx, `
		SELECT status FROM messages WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		messageID, userID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: message status: %w", err)
	}
	return Status(status), nil
}

func (s *Store) requireConversation(ctx context.Context, userID, conversationID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM conversations
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: conversation lookup: %w", err)
	}
	return nil
}

func nonNilJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func orDefaultMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
