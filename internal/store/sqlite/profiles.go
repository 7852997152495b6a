package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"checkout_engine/internal/model"
)

// ProfileRecord is a saved checkout profile.
type ProfileRecord struct {
	ID string `json:"id"`
	model.Profile
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UpsertProfile saves p under its name; saving a known name replaces it.
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) (ProfileRecord, error) {
	if p.Name == "" {
		return ProfileRecord{}, errors.New("profile name is required")
	}
	if err := model.ValidateProfile(p); err != nil {
		return ProfileRecord{}, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ProfileRecord{}, err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, profile_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			profile_json = excluded.profile_json,
			updated_at = excluded.updated_at
	`, uuid.NewString(), p.Name, string(b), now, now)
	if err != nil {
		return ProfileRecord{}, err
	}
	return s.GetProfile(ctx, p.Name)
}

func (s *Store) GetProfile(ctx context.Context, name string) (ProfileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_json, created_at, updated_at FROM profiles WHERE name = ?
	`, name)
	rec, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) ListProfiles(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_json, created_at, updated_at FROM profiles ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name)
	return err
}

func scanProfile(sc scanner) (ProfileRecord, error) {
	var (
		rec                  ProfileRecord
		raw                  string
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&rec.ID, &raw, &createdAt, &updatedAt); err != nil {
		return ProfileRecord{}, err
	}
	if err := json.Unmarshal([]byte(raw), &rec.Profile); err != nil {
		return ProfileRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
