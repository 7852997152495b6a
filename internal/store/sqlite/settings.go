package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout_engine/internal/model"
)

const emailSettingsKey = "email_settings"

// loadSetting decodes the JSON value stored under key into out and reports
// whether the row exists.
func (s *Store) loadSetting(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = ?`, key)
	switch err := row.Scan(&raw); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) saveSetting(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`, key, string(b), time.Now().UnixMilli())
	return err
}

// GetEmailSettings reports false when nothing was saved yet.
func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error) {
	var out model.EmailSettings
	ok, err := s.loadSetting(ctx, emailSettingsKey, &out)
	if err != nil || !ok {
		return model.EmailSettings{}, false, err
	}
	return out, true, nil
}

func (s *Store) UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error) {
	v.To = strings.TrimSpace(v.To)
	v.Host = strings.TrimSpace(v.Host)
	if v.Enabled && (v.To == "" || v.Host == "") {
		return model.EmailSettings{}, errors.New("email settings: to and host are required when enabled")
	}
	if err := s.saveSetting(ctx, emailSettingsKey, v); err != nil {
		return model.EmailSettings{}, err
	}
	return v, nil
}
