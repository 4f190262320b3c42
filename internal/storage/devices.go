package storage

import (
	"context"

	"github.com/google/uuid"
)

// UpsertDeviceToken registers a push token for (user, tenant). Re-registering
// the same token refreshes the platform instead of duplicating the row.
func (s *Store) UpsertDeviceToken(ctx context.Context, userID, tenantID uuid.UUID, token, platform string) (DeviceToken, error) {
	s.logger.Debugf("Registering device token for user (%s) in tenant (%s)", userID, tenantID)

	dt := DeviceToken{
		ID:       uuid.New(),
		UserID:   userID,
		TenantID: tenantID,
		Token:    token,
		Platform: platform,
	}

	sql := `insert into device_tokens (id, user_id, tenant_id, token, platform)
			values ($1, $2, $3, $4, $5)
			on conflict (user_id, tenant_id, token)
			do update set platform = excluded.platform
			returning id, created_at`
	err := s.db.QueryRow(ctx, sql, dt.ID, dt.UserID, dt.TenantID, dt.Token, dt.Platform).
		Scan(&dt.ID, &dt.CreatedAt)
	if err != nil {
		return DeviceToken{}, err
	}

	return dt, nil
}

// NotificationsByUser returns the user's notifications within a tenant,
// newest first.
func (s *Store) NotificationsByUser(ctx context.Context, userID, tenantID uuid.UUID) ([]Notification, error) {
	sql := `select id, user_id, tenant_id, title, body, message_id, read, created_at
			  from notifications
			 where user_id = $1
			   and tenant_id = $2
			 order by created_at desc`

	rows, err := s.db.Query(ctx, sql, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		err = rows.Scan(&n.ID, &n.UserID, &n.TenantID, &n.Title, &n.Body, &n.MessageID, &n.Read, &n.CreatedAt)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return notifications, nil
}
