package store

import (
	"context"
	"fmt"
)

// ListCloudSigningKeys returns every signing key row, active and grace keys
// included, for JWKS/key-ring bootstrap.
func (s *Store) ListCloudSigningKeys(ctx context.Context) ([]CloudSigningKey, error) {
	query := `SELECT kid, status, material, retire_at, created_at, updated_at FROM cloud_signing_keys ORDER BY kid`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing cloud signing keys: %w", err)
	}
	defer rows.Close()

	var out []CloudSigningKey
	for rows.Next() {
		var k CloudSigningKey
		if err := rows.Scan(&k.Kid, &k.Status, &k.Material, &k.RetireAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning cloud signing key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cloud signing keys: %w", err)
	}
	return out, nil
}

// UpsertCloudSigningKey seeds or updates a signing key row from
// configuration at startup. Keys are managed via config, not an HTTP
// surface, per the spec's Non-goal on rotation.
func (s *Store) UpsertCloudSigningKey(ctx context.Context, kid, status, material string) error {
	query := `INSERT INTO cloud_signing_keys (kid, status, material)
	VALUES ($1, $2, $3)
	ON CONFLICT (kid) DO UPDATE SET status = EXCLUDED.status, material = EXCLUDED.material, updated_at = now()`

	_, err := s.pool.Exec(ctx, query, kid, status, material)
	if err != nil {
		return fmt.Errorf("upserting cloud signing key: %w", err)
	}
	return nil
}
