package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

// CreateUser creates an identity record and returns its id.
func (s *Store) CreateUser(ctx context.Context, displayName string) (uuid.UUID, error) {
	s.logger.Debugf("Creating user (%s)", displayName)

	id := uuid.New()
	sql := "insert into users (id, display_name, created_at) values ($1, $2, $3)"
	_, err := s.db.Exec(ctx, sql, id, displayName, time.Now())
	if err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// CreateTenant creates a tenant and returns its id.
func (s *Store) CreateTenant(ctx context.Context, name string) (uuid.UUID, error) {
	s.logger.Debugf("Creating tenant (%s)", name)

	id := uuid.New()
	sql := "insert into tenants (id, name, created_at) values ($1, $2, $3)"
	_, err := s.db.Exec(ctx, sql, id, name, time.Now())
	if err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// CreateMembership creates a user's membership record in a tenant. A user
// holds at most one membership per tenant.
func (s *Store) CreateMembership(ctx context.Context, tenantID, userID uuid.UUID, role Role, status MembershipStatus, smallGroupID uuid.NullUUID) (Membership, error) {
	if !role.Valid() {
		return Membership{}, ErrBadRole
	}

	s.logger.Debugf("Creating membership for user (%s) in tenant (%s) with role %s", userID, tenantID, role)

	m := Membership{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       userID,
		Role:         role,
		Status:       status,
		SmallGroupID: smallGroupID,
	}

	sql := `insert into memberships (id, tenant_id, user_id, role, status, small_group_id)
			values ($1, $2, $3, $4, $5, $6)
			returning created_at`
	err := s.db.QueryRow(ctx, sql, m.ID, m.TenantID, m.UserID, m.Role, m.Status, m.SmallGroupID).Scan(&m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return Membership{}, ErrMembershipExists
			case pgerrcode.ForeignKeyViolation:
				if pgErr.ConstraintName == "memberships_user_id_fkey" {
					return Membership{}, ErrUserNotExist
				}
			}
		}
		return Membership{}, err
	}

	return m, nil
}

// MembershipByUserTenant resolves the caller's membership in a tenant.
func (s *Store) MembershipByUserTenant(ctx context.Context, userID, tenantID uuid.UUID) (Membership, error) {
	var m Membership
	sql := `select id, tenant_id, user_id, role, status, small_group_id, created_at
			  from memberships
			 where user_id = $1
			   and tenant_id = $2`
	err := s.db.QueryRow(ctx, sql, userID, tenantID).
		Scan(&m.ID, &m.TenantID, &m.UserID, &m.Role, &m.Status, &m.SmallGroupID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrMembershipNotExist
		}
		return Membership{}, err
	}

	return m, nil
}

// CreateConversation performs a two-step transaction (insert conversation
// record, bulk insert on conversation_members) and returns its id.
func (s *Store) CreateConversation(ctx context.Context, tenantID uuid.UUID, name string, members []uuid.UUID) (uuid.UUID, error) {
	s.logger.Debugf("Creating conversation (%s) in tenant (%s) with %d members", name, tenantID, len(members))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(context.Background())

	id := uuid.New()
	sql := "insert into conversations (id, tenant_id, name) values ($1, $2, $3)"
	_, err = tx.Exec(ctx, sql, id, tenantID, name)
	if err != nil {
		return uuid.Nil, err
	}

	rows := make([]memberRow, 0, len(members))
	for _, m := range members {
		rows = append(rows, memberRow{conversationID: id, membershipID: m})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"conversation_members"},
		[]string{"conversation_id", "membership_id"},
		copyFromMembers(rows),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return uuid.Nil, ErrMembershipNotExist
		}
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// ConversationsByMembership returns the membership's conversations sorted
// by last activity (latest first), each with its member summaries embedded.
func (s *Store) ConversationsByMembership(ctx context.Context, membershipID uuid.UUID) ([]Conversation, error) {
	s.logger.Debugf("Retrieving conversations for membership (%s)", membershipID)

	type retrievedConversation struct {
		id             uuid.UUID
		tenantID       uuid.UUID
		name           string
		members        pgtype.JSONBArray
		createdAt      time.Time
		lastActivityAt time.Time
	}

	sql := `with member_conversations as (
				select c.id, c.tenant_id, c.name, c.created_at, c.last_activity_at
				  from conversations c
				  join conversation_members cm
					on cm.conversation_id = c.id
				 where cm.membership_id = $1
			),

			members_per_conversation as (
				select cm.conversation_id,
					   array_agg(jsonb_build_object(
						   'membership_id', m.id,
						   'display_name', u.display_name,
						   'role', m.role
					   )) as members
				  from conversation_members cm
				  join memberships m
					on cm.membership_id = m.id
				  join users u
					on m.user_id = u.id
				 group by cm.conversation_id
			)

			select mc.id,
				   mc.tenant_id,
				   mc.name,
				   mpc.members,
				   mc.created_at,
				   mc.last_activity_at
			  from member_conversations mc
			  join members_per_conversation mpc
				on mc.id = mpc.conversation_id
			 order by mc.last_activity_at desc`

	rows, err := s.db.Query(ctx, sql, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var rc retrievedConversation
		err = rows.Scan(&rc.id, &rc.tenantID, &rc.name, &rc.members, &rc.createdAt, &rc.lastActivityAt)
		if err != nil {
			return nil, err
		}

		current := Conversation{
			ID:             rc.id,
			TenantID:       rc.tenantID,
			Name:           rc.name,
			Members:        make([]MemberSummary, len(rc.members.Elements)),
			CreatedAt:      rc.createdAt,
			LastActivityAt: rc.lastActivityAt,
		}

		membersJSON := make([]string, len(rc.members.Elements))
		err = rc.members.AssignTo(&membersJSON)
		if err != nil {
			return nil, err
		}

		for i, v := range membersJSON {
			err = json.Unmarshal([]byte(v), &current.Members[i])
			if err != nil {
				return nil, err
			}
		}

		conversations = append(conversations, current)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d conversations", len(conversations))

	return conversations, nil
}
