package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JournalEntry is one persisted note.
type JournalEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// JournalStore persists per-user journal entries. Implemented by the
// persistence coordinator.
type JournalStore interface {
	AppendJournal(ctx context.Context, userID, text string) (JournalEntry, error)
	ListJournal(ctx context.Context, userID string, limit int) ([]JournalEntry, error)
	SearchJournal(ctx context.Context, userID, query string, limit int) ([]JournalEntry, error)
}

// RegisterJournal adds the journal tool: a persistent per-user notebook the
// model can append to, list and search across conversations.
func RegisterJournal(r *Registry, store JournalStore) error {
	spec := Spec{
		Name:        "journal",
		Description: "Persistent per-user journal. Append notes, list recent entries or search past entries.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["append", "list", "search"]},
				"text": {"type": "string", "description": "Entry text for append."},
				"query": {"type": "string", "description": "Search term for search."},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Maximum entries returned, default 10."}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
		Timeout: 15 * time.Second,
	}
	return r.Register(spec, func(ctx context.Context, args json.RawMessage, inv Invocation) (any, error) {
		var in struct {
			Action string `json:"action"`
			Text   string `json:"text"`
			Query  string `json:"query"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		switch in.Action {
		case "append":
			if strings.TrimSpace(in.Text) == "" {
				return nil, fmt.Errorf("text is required for append")
			}
			entry, err := store.AppendJournal(ctx, inv.UserID, in.Text)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entry": entry}, nil
		case "list":
			entries, err := store.ListJournal(ctx, inv.UserID, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries}, nil
		case "search":
			if strings.TrimSpace(in.Query) == "" {
				return nil, fmt.Errorf("query is required for search")
			}
			entries, err := store.SearchJournal(ctx, inv.UserID, in.Query, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries}, nil
		default:
			return nil, fmt.Errorf("unknown action %q", in.Action)
		}
	})
}
