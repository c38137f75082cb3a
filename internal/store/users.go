package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateUser upserts a user by Garmin email and returns the stable
// record. Existing users are returned unchanged.
func (s *Store) GetOrCreateUser(garminEmail string) (*User, error) {
	if u, err := s.getUserByEmail(garminEmail); err == nil {
		return u, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	u := &User{
		ID:          uuid.NewString(),
		GarminEmail: garminEmail,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, garmin_email, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (garmin_email) DO NOTHING`,
		u.ID, u.GarminEmail, u.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	// A concurrent login for the same email may have won the insert.
	return s.getUserByEmail(garminEmail)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, garmin_email, created_at FROM users WHERE id = ?`, id))
}

func (s *Store) getUserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, garmin_email, created_at FROM users WHERE garmin_email = ?`, email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt int64
	err := row.Scan(&u.ID, &u.GarminEmail, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}
