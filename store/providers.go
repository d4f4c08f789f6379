package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatforge/chatforge/provider"
)

// ProviderView is a provider record as returned to clients. The API key is
// never included; KeyPreview keeps the last four characters for recognition.
type ProviderView struct {
	ID         string            `json:"id"`
	Type       provider.Type     `json:"type"`
	BaseURL    string            `json:"base_url,omitempty"`
	KeyPreview string            `json:"key_preview"`
	Enabled    bool              `json:"enabled"`
	IsDefault  bool              `json:"is_default"`
	Metadata   provider.Metadata `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ProviderInput creates or replaces a provider's mutable fields.
type ProviderInput struct {
	Type         provider.Type
	BaseURL      string
	APIKey       string
	Enabled      bool
	ExtraHeaders map[string]string
	Metadata     provider.Metadata
}

// CreateProvider stores a provider with its API key sealed under the master
// key. The first provider a user creates becomes their default.
func (s *Store) CreateProvider(ctx context.Context, userID string, in ProviderInput) (ProviderView, error) {
	if in.APIKey == "" {
		return ProviderView{}, fmt.Errorf("store: api key is required")
	}
	sealed, err := s.keyBox.Seal(in.APIKey)
	if err != nil {
		return ProviderView{}, err
	}
	headers, meta, err := marshalProviderJSON(in)
	if err != nil {
		return ProviderView{}, err
	}
	id := uuid.NewString()
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var existing int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM providers WHERE owner_user_id = $1`,
			userID,
		).Scan(&existing); err != nil {
			return fmt.Errorf("store: count providers: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO providers
				(id, owner_user_id, type, base_url, api_key_enc,
				 enabled, is_default, extra_headers, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, userID, string(in.Type), in.BaseURL, sealed,
			in.Enabled, existing == 0, headers, meta,
		); err != nil {
			return fmt.Errorf("store: create provider: %w", err)
		}
		return nil
	})
	if err != nil {
		return ProviderView{}, err
	}
	return s.getProviderView(ctx, userID, id)
}

// ListProviders returns the user's providers with masked keys.
func (s *Store) ListProviders(ctx context.Context, userID string) ([]ProviderView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, base_url, api_key_enc, enabled, is_default,
			metadata, created_at, updated_at
		FROM providers
		WHERE owner_user_id = $1
		ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()
	var out []ProviderView
	for rows.Next() {
		view, err := s.scanProviderView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

// GetProviderRecord returns the full record with the API key opened, for use
// by the adapter layer only.
func (s *Store) GetProviderRecord(ctx context.Context, userID, providerID string) (provider.Record, error) {
	var (
		rec     provider.Record
		typ     string
		sealed  []byte
		headers json.RawMessage
		meta    json.RawMessage
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, type, base_url, api_key_enc,
			enabled, is_default, extra_headers, metadata
		FROM providers
		WHERE id = $1 AND owner_user_id = $2`,
		providerID, userID,
	).Scan(&rec.ID, &rec.OwnerUserID, &typ, &rec.BaseURL, &sealed,
		&rec.Enabled, &rec.IsDefault, &headers, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return provider.Record{}, ErrNotFound
	}
	if err != nil {
		return provider.Record{}, fmt.Errorf("store: get provider: %w", err)
	}
	rec.Type = provider.Type(typ)
	rec.APIKey, err = s.keyBox.Open(sealed)
	if err != nil {
		return provider.Record{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.ExtraHeaders); err != nil {
			return provider.Record{}, fmt.Errorf("store: decode headers: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return provider.Record{}, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	return rec, nil
}

// GetDefaultProviderRecord returns the user's default provider.
func (s *Store) GetDefaultProviderRecord(ctx context.Context, userID string) (provider.Record, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM providers
		WHERE owner_user_id = $1 AND is_default AND enabled`,
		userID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return provider.Record{}, ErrNotFound
	}
	if err != nil {
		return provider.Record{}, fmt.Errorf("store: default provider: %w", err)
	}
	return s.GetProviderRecord(ctx, userID, id)
}

// ProviderPatch updates only the fields that are set. An empty APIKey keeps
// the stored one.
type ProviderPatch struct {
	BaseURL      *string
	APIKey       *string
	Enabled      *bool
	ExtraHeaders map[string]string
	Metadata     *provider.Metadata
}

// UpdateProvider applies a partial update.
func (s *Store) UpdateProvider(ctx context.Context, userID, providerID string, patch ProviderPatch) (ProviderView, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `
			SELECT 1 FROM providers WHERE id = $1 AND owner_user_id = $2 FOR UPDATE`,
			providerID, userID,
		).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: lock provider: %w", err)
		}
		set := func(query string, arg any) error {
			if _, err := tx.Exec(ctx, query, arg, providerID); err != nil {
				return fmt.Errorf("store: update provider: %w", err)
			}
			return nil
		}
		if patch.BaseURL != nil {
			if err := set(`UPDATE providers SET base_url = $1, updated_at = now() WHERE id = $2`, *patch.BaseURL); err != nil {
				return err
			}
		}
		if patch.APIKey != nil && *patch.APIKey != "" {
			sealed, err := s.keyBox.Seal(*patch.APIKey)
			if err != nil {
				return err
			}
			if err := set(`UPDATE providers SET api_key_enc = $1, updated_at = now() WHERE id = $2`, sealed); err != nil {
				return err
			}
		}
		if patch.Enabled != nil {
			if err := set(`UPDATE providers SET enabled = $1, updated_at = now() WHERE id = $2`, *patch.Enabled); err != nil {
				return err
			}
		}
		if patch.ExtraHeaders != nil {
			raw, err := json.Marshal(patch.ExtraHeaders)
			if err != nil {
				return fmt.Errorf("store: marshal headers: %w", err)
			}
			if err := set(`UPDATE providers SET extra_headers = $1, updated_at = now() WHERE id = $2`, raw); err != nil {
				return err
			}
		}
		if patch.Metadata != nil {
			raw, err := json.Marshal(patch.Metadata)
			if err != nil {
				return fmt.Errorf("store: marshal metadata: %w", err)
			}
			if err := set(`UPDATE providers SET metadata = $1, updated_at = now() WHERE id = $2`, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ProviderView{}, err
	}
	return s.getProviderView(ctx, userID, providerID)
}

// SetDefaultProvider moves the user's default flag atomically. The partial
// unique index on (owner_user_id) WHERE is_default guarantees at most one.
func (s *Store) SetDefaultProvider(ctx context.Context, userID, providerID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE providers SET is_default = FALSE, updated_at = now()
			WHERE owner_user_id = $1 AND is_default`,
			userID,
		); err != nil {
			return fmt.Errorf("store: clear default: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE providers SET is_default = TRUE, updated_at = now()
			WHERE id = $1 AND owner_user_id = $2`,
			providerID, userID,
		)
		if err != nil {
			return fmt.Errorf("store: set default: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteProvider removes a provider.
func (s *Store) DeleteProvider(ctx context.Context, userID, providerID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM providers WHERE id = $1 AND owner_user_id = $2`,
		providerID, userID,
	)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getProviderView(ctx context.Context, userID, providerID string) (ProviderView, error) {
	view, err := s.scanProviderView(s.pool.QueryRow(ctx, `
		SELECT id, type, base_url, api_key_enc, enabled, is_default,
			metadata, created_at, updated_at
		FROM providers
		WHERE id = $1 AND owner_user_id = $2`,
		providerID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderView{}, ErrNotFound
	}
	return view, err
}

func (s *Store) scanProviderView(row rowScanner) (ProviderView, error) {
	var (
		view   ProviderView
		typ    string
		sealed []byte
		meta   json.RawMessage
	)
	err := row.Scan(&view.ID, &typ, &view.BaseURL, &sealed, &view.Enabled,
		&view.IsDefault, &meta, &view.CreatedAt, &view.UpdatedAt)
	if err != nil {
		return ProviderView{}, err
	}
	view.Type = provider.Type(typ)
	if key, err := s.keyBox.Open(sealed); err == nil {
		view.KeyPreview = maskKey(key)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &view.Metadata); err != nil {
			return ProviderView{}, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	return view, nil
}

func marshalProviderJSON(in ProviderInput) (headers, meta json.RawMessage, err error) {
	if in.ExtraHeaders == nil {
		in.ExtraHeaders = map[string]string{}
	}
	headers, err = json.Marshal(in.ExtraHeaders)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal headers: %w", err)
	}
	meta, err = json.Marshal(in.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	return headers, meta, nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
