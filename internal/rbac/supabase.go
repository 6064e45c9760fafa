package rbac

import (
	"context"
	"encoding/json"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"
)

// apiKeyRow is the shape of a row in the api_keys table.
type apiKeyRow struct {
	APIKey        string   `json:"api_key"`
	Role          string   `json:"role"`
	AllowedAgents []string `json:"allowed_agents"`
}

// SupabaseRoleMap is an optional RoleMap backend for operators who
// already keep caller/role data in Supabase rather than a static
// file. It satisfies the same RoleMap interface as StaticRoleMap, so
// switching backends is a config change, not a code change.
type SupabaseRoleMap struct {
	client *supabase.Client
	table  string
}

// NewSupabaseRoleMap builds a SupabaseRoleMap against table (typically
// "api_keys").
func NewSupabaseRoleMap(url, serviceKey, table string) (*SupabaseRoleMap, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase role map requires both a URL and a service key")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	if table == "" {
		table = "api_keys"
	}
	return &SupabaseRoleMap{client: client, table: table}, nil
}

func (m *SupabaseRoleMap) fetch(apiKey string) (*apiKeyRow, error) {
	data, _, err := m.client.From(m.table).
		Select("api_key,role,allowed_agents", "", false).
		Eq("api_key", apiKey).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", m.table, err)
	}

	var rows []apiKeyRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", m.table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Allowed implements RoleMap.
func (m *SupabaseRoleMap) Allowed(_ context.Context, apiKey, agentID string) (bool, error) {
	row, err := m.fetch(apiKey)
	if err != nil || row == nil {
		return false, err
	}
	for _, a := range row.AllowedAgents {
		if a == wildcardAgent || a == agentID {
			return true, nil
		}
	}
	return false, nil
}

// RoleFor implements RoleMap.
func (m *SupabaseRoleMap) RoleFor(_ context.Context, apiKey string) (string, error) {
	row, err := m.fetch(apiKey)
	if err != nil || row == nil {
		return "", err
	}
	return row.Role, nil
}

// Reload is a no-op: Supabase queries are always live.
func (m *SupabaseRoleMap) Reload(_ context.Context) error {
	return nil
}
