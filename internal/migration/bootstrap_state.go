package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// recordBootstrapState upserts the single row describing the schema this
// binary last migrated to. Operators can compare it against the embedded
// checksum when diagnosing a half-upgraded fleet.
func recordBootstrapState(ctx context.Context, db *sql.DB, schemaVersion, checksum string) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO schema_bootstrap_state (id, status, schema_version, checksum, activated_at, created_at)
		VALUES (TRUE, 'active', $1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    schema_version = EXCLUDED.schema_version,
		    checksum = EXCLUDED.checksum,
		    activated_at = EXCLUDED.activated_at
	`, schemaVersion, checksum, now)
	if err != nil {
		return fmt.Errorf("record bootstrap state: %w", err)
	}
	return nil
}
