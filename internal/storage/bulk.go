package storage

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

type exclusionRow struct {
	messageID    uuid.UUID
	membershipID uuid.UUID
	tenantID     uuid.UUID
}

type exclusionBulk struct {
	rows []exclusionRow
	idx  int
}

func (r exclusionRow) toInterface() []interface{} {
	return []interface{}{r.messageID, r.membershipID, r.tenantID}
}

func copyFromExclusions(rows []exclusionRow) pgx.CopyFromSource {
	return &exclusionBulk{
		rows: rows,
		idx:  -1,
	}
}

func (b *exclusionBulk) Next() bool {
	b.idx++
	return b.idx < len(b.rows)
}

func (b *exclusionBulk) Values() ([]interface{}, error) {
	return b.rows[b.idx].toInterface(), nil
}

func (b *exclusionBulk) Err() error {
	return nil
}

type memberRow struct {
	conversationID uuid.UUID
	membershipID   uuid.UUID
}

type memberBulk struct {
	rows []memberRow
	idx  int
}

func (r memberRow) toInterface() []interface{} {
	return []interface{}{r.conversationID, r.membershipID}
}

func copyFromMembers(rows []memberRow) pgx.CopyFromSource {
	return &memberBulk{
		rows: rows,
		idx:  -1,
	}
}

func (b *memberBulk) Next() bool {
	b.idx++
	return b.idx < len(b.rows)
}

func (b *memberBulk) Values() ([]interface{}, error) {
	return b.rows[b.idx].toInterface(), nil
}

func (b *memberBulk) Err() error {
	return nil
}
