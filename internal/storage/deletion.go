package storage

import (
	"context"

	"github.com/google/uuid"
)

// The methods below are the data-layer half of account deletion. The
// ordering and authorization rules live in the account package; each method
// here is a single counted delete scoped to one user id, so concurrent
// deletions by different users cannot collide.

// DeleteDeviceTokens removes the user's device tokens across all tenants
// and returns the number of rows removed.
func (s *Store) DeleteDeviceTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, "delete from device_tokens where user_id = $1", userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteNotifications removes the user's notifications across all tenants
// and returns the number of rows removed.
func (s *Store) DeleteNotifications(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, "delete from notifications where user_id = $1", userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MembershipsByUser lists the user's memberships across all tenants.
func (s *Store) MembershipsByUser(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	sql := `select id, tenant_id, user_id, role, status, small_group_id, created_at
			  from memberships
			 where user_id = $1`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		err = rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Role, &m.Status, &m.SmallGroupID, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return memberships, nil
}

// DeleteMembership removes one membership row. Messages, exclusions,
// conversation participation and attachments hanging off it go with it via
// the schema's cascade rules.
func (s *Store) DeleteMembership(ctx context.Context, membershipID uuid.UUID) error {
	_, err := s.db.Exec(ctx, "delete from memberships where id = $1", membershipID)
	return err
}

// DeleteUser removes the identity record. Sessions cascade with it. Run
// last: every other trace of the user must already be gone.
func (s *Store) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	s.logger.Debugf("Deleting identity record (%s)", userID)

	_, err := s.db.Exec(ctx, "delete from users where id = $1", userID)
	return err
}
