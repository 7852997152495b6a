package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout_engine/internal/model"
)

// UpsertProxyGroup stores the raw proxy lines of a named group after
// checking each one parses.
func (s *Store) UpsertProxyGroup(ctx context.Context, name string, lines []string) error {
	if name == "" {
		return fmt.Errorf("proxy group name is required")
	}
	for _, line := range lines {
		if _, err := model.ParseProxy(line); err != nil {
			return err
		}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proxy_groups (name, proxies_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			proxies_json = excluded.proxies_json,
			updated_at = excluded.updated_at
	`, name, string(b), time.Now().UnixMilli())
	return err
}

// ProxyGroups returns every stored group keyed by name.
func (s *Store) ProxyGroups(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, proxies_json FROM proxy_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var lines []string
		if err := json.Unmarshal([]byte(raw), &lines); err != nil {
			return nil, fmt.Errorf("proxy group %s: %w", name, err)
		}
		out[name] = lines
	}
	return out, rows.Err()
}

func (s *Store) DeleteProxyGroup(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxy_groups WHERE name = ?`, name)
	return err
}
