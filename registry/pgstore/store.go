// Package pgstore persists things, device credentials and claim credentials
// in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Store implements interfaces.IdentityStore, interfaces.CredentialStore and
// interfaces.ClaimStore.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not reach postgres: %w", err)
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (interfaces.Identity, error) {
	var i interfaces.Identity
	var lifecycle string
	err := row.Scan(&i.Name, &i.Attributes, &i.ThingTypeName, &i.ThingGroups, &i.CredentialID, &i.PolicyIDs, &lifecycle, &i.Version, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return interfaces.Identity{}, err
	}
	i.Lifecycle = interfaces.Lifecycle(lifecycle)
	if i.Attributes == nil {
		i.Attributes = map[string]string{}
	}
	return i, nil
}

// IdentityStore

func (s *Store) GetIdentity(ctx context.Context, name string) (interfaces.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+thingColumns+` FROM `+tableThings+` WHERE name=$1`, name)
	i, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.Identity{}, fmt.Errorf("thing %s: %w", name, interfaces.ErrNotFound)
	}
	return i, err
}

// PutIdentity inserts version 1 or updates from version-1; anything else is ErrConflict.
func (s *Store) PutIdentity(ctx context.Context, i interfaces.Identity) error {
	attributes := i.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	groups := i.ThingGroups
	if groups == nil {
		groups = []string{}
	}
	policies := i.PolicyIDs
	if policies == nil {
		policies = []string{}
	}

	var cmd string
	if i.Version == 1 {
		cmd = `INSERT INTO ` + tableThings + ` (` + thingColumns + `)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
            ON CONFLICT (name) DO NOTHING`
	} else {
		cmd = `UPDATE ` + tableThings + ` SET
            attributes=$2, thing_type_name=$3, thing_groups=$4, credential_id=$5, policy_ids=$6,
            lifecycle=$7, version=$8, created_at=$9, updated_at=$10
            WHERE name=$1 AND version=$8-1`
	}

	tag, err := s.pool.Exec(ctx, cmd,
		i.Name, attributes, i.ThingTypeName, groups, i.CredentialID, policies,
		string(i.Lifecycle), i.Version, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("thing %s version %d: %w", i.Name, i.Version, interfaces.ErrConflict)
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]interfaces.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+thingColumns+` FROM `+tableThings+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) IdentityByCredential(ctx context.Context, credentialID string) (interfaces.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+thingColumns+` FROM `+tableThings+` WHERE credential_id=$1 LIMIT 1`, credentialID)
	i, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.Identity{}, fmt.Errorf("credential %s: %w", credentialID, interfaces.ErrNotFound)
	}
	return i, err
}

// CredentialStore

func (s *Store) CreateCredential(ctx context.Context, c interfaces.DeviceCredential) error {
	policies := c.AttachedPolicies
	if policies == nil {
		policies = []string{}
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO `+tableCredentials+` (`+credentialColumns+`)
            VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (id) DO NOTHING`,
		c.ID, c.CertificatePEM, c.PrivateKeyHandle, string(c.Status), policies, c.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("credential %s: %w", c.ID, interfaces.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (interfaces.DeviceCredential, error) {
	var c interfaces.DeviceCredential
	var status string
	err := s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM `+tableCredentials+` WHERE id=$1`, id).
		Scan(&c.ID, &c.CertificatePEM, &c.PrivateKeyHandle, &status, &c.AttachedPolicies, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.DeviceCredential{}, fmt.Errorf("credential %s: %w", id, interfaces.ErrNotFound)
	}
	if err != nil {
		return interfaces.DeviceCredential{}, err
	}
	c.Status = interfaces.CredentialStatus(status)
	return c, nil
}

func (s *Store) UpdateCredentialStatus(ctx context.Context, id string, status interfaces.CredentialStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+tableCredentials+` SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", id, interfaces.ErrNotFound)
	}
	return nil
}

func (s *Store) AttachPolicy(ctx context.Context, id string, policyName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+tableCredentials+`
            SET attached_policies=array_append(attached_policies, $2)
            WHERE id=$1 AND NOT ($2 = ANY(attached_policies))`, id, policyName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+tableCredentials+" WHERE id=$1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("credential %s: %w", id, interfaces.ErrNotFound)
	}
	return nil
}

// ClaimStore

func (s *Store) CreateClaim(ctx context.Context, c interfaces.ClaimCredential) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO `+tableClaims+` (`+claimColumns+`)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (id) DO NOTHING`,
		c.ID, c.CertificatePEM, c.PrivateKeyHandle, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("claim %s: %w", c.ID, interfaces.ErrAlreadyExists)
	}
	return nil
}

func scanClaim(row rowScanner) (interfaces.ClaimCredential, error) {
	var c interfaces.ClaimCredential
	var status string
	if err := row.Scan(&c.ID, &c.CertificatePEM, &c.PrivateKeyHandle, &status, &c.CreatedAt); err != nil {
		return interfaces.ClaimCredential{}, err
	}
	c.Status = interfaces.CredentialStatus(status)
	return c, nil
}

func (s *Store) GetClaim(ctx context.Context, id string) (interfaces.ClaimCredential, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM `+tableClaims+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.ClaimCredential{}, fmt.Errorf("claim %s: %w", id, interfaces.ErrNotFound)
	}
	return c, err
}

func (s *Store) UpdateClaimStatus(ctx context.Context, id string, status interfaces.CredentialStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+tableClaims+` SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("claim %s: %w", id, interfaces.ErrNotFound)
	}
	return nil
}

func (s *Store) ListClaims(ctx context.Context) ([]interfaces.ClaimCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+claimColumns+` FROM `+tableClaims+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.ClaimCredential
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
