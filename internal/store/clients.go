package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveClient upserts a client registration. Re-registering an existing
// client id replaces the metadata wholesale; last write wins.
func (s *Store) SaveClient(clientID string, meta ClientMetadata) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal client metadata: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(`
		INSERT INTO oauth_clients (client_id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id)
		DO UPDATE SET metadata_json = excluded.metadata_json, updated_at = excluded.updated_at`,
		clientID, string(blob), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// GetClient fetches a registered client by id.
func (s *Store) GetClient(clientID string) (*Client, error) {
	var blob string
	var createdAt, updatedAt int64
	err := s.db.QueryRow(
		`SELECT metadata_json, created_at, updated_at FROM oauth_clients WHERE client_id = ?`,
		clientID,
	).Scan(&blob, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}

	c := &Client{
		ClientID:  clientID,
		CreatedAt: time.Unix(createdAt, 0),
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if err := json.Unmarshal([]byte(blob), &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal client metadata: %w", err)
	}
	return c, nil
}
