// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertProviderConfig persists enabled/apiKey/assetTypes for a provider.
// The last-test fields are owned by RecordProviderTest and untouched here.
func (s *Store) UpsertProviderConfig(ctx context.Context, row *ProviderConfigRow) error {
	types, err := json.Marshal(row.AssetTypes)
	if err != nil {
		return translateErr(err, "provider config marshal")
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO provider_config (name, enabled, api_key, asset_types)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		enabled = excluded.enabled,
		api_key = excluded.api_key,
		asset_types = excluded.asset_types`,
		row.Name, row.Enabled, row.APIKey, string(types))
	return translateErr(err, "provider config upsert")
}

// GetProviderConfig loads a provider config, (nil, nil) when absent.
func (s *Store) GetProviderConfig(ctx context.Context, name string) (*ProviderConfigRow, error) {
	var row ProviderConfigRow
	var apiKey, testedAt, testErr sql.NullString
	var typesJSON string
	err := s.db.QueryRowContext(ctx, `
	SELECT name, enabled, api_key, asset_types, last_test_status, last_tested_at, last_test_error
	FROM provider_config WHERE name = ?`, name).
		Scan(&row.Name, &row.Enabled, &apiKey, &typesJSON, &row.LastTestStatus, &testedAt, &testErr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err, "provider config get")
	}
	row.APIKey = apiKey.String
	row.LastTestError = testErr.String
	_ = json.Unmarshal([]byte(typesJSON), &row.AssetTypes)
	if testedAt.Valid {
		if ts, err := time.Parse(time.RFC3339, testedAt.String); err == nil {
			row.LastTestedAt = &ts
		}
	}
	return &row, nil
}

// RecordProviderTest stores the outcome of a connection test.
func (s *Store) RecordProviderTest(ctx context.Context, name string, ok bool, message string) error {
	status := "success"
	if !ok {
		status = "error"
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO provider_config (name, last_test_status, last_tested_at, last_test_error)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		last_test_status = excluded.last_test_status,
		last_tested_at = excluded.last_tested_at,
		last_test_error = excluded.last_test_error`,
		name, status, time.Now().UTC().Format(time.RFC3339), message)
	return translateErr(err, "provider test record")
}
