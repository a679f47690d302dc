package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"savery/internal"
)

// RecordInboxMessage inserts msg unless (provider, message_id) is already
// known. created reports whether a new row was written; the stored row is
// returned either way.
func (d *DB) RecordInboxMessage(ctx context.Context, msg internal.InboxMessage) (internal.InboxMessage, bool, error) {
	if msg.Status == "" {
		msg.Status = internal.InboxReceived
	}
	res, err := d.conn.ExecContext(ctx, `
INSERT INTO inbox_messages (provider, message_id, subject, sender, received_at, hash, raw_path, status, plan_id, reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, message_id) DO NOTHING
`, msg.Provider, msg.MessageID, msg.Subject, msg.Sender, formatTime(msg.ReceivedAt), msg.Hash, msg.RawPath,
		string(msg.Status), msg.PlanID, msg.Reason, formatTime(time.Now()))
	if err != nil {
		return internal.InboxMessage{}, false, eris.Wrapf(err, "storage: record inbox message %s", msg.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return internal.InboxMessage{}, false, eris.Wrap(err, "storage: rows affected")
	}

	row, err := d.GetInboxMessage(ctx, msg.Provider, msg.MessageID)
	if err != nil {
		return internal.InboxMessage{}, false, err
	}
	if row == nil {
		return internal.InboxMessage{}, false, eris.Errorf("storage: inbox message %s vanished", msg.MessageID)
	}
	return *row, n > 0, nil
}

func (d *DB) GetInboxMessage(ctx context.Context, provider, messageID string) (*internal.InboxMessage, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT id, provider, message_id, subject, sender, received_at, hash, raw_path, status, plan_id, reason
FROM inbox_messages WHERE provider = ? AND message_id = ?
`, provider, messageID)
	msg, err := scanInboxMessage(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *DB) UpdateInboxMessage(ctx context.Context, id int64, status internal.InboxStatus, planID, reason *string) error {
	res, err := d.conn.ExecContext(ctx, `
UPDATE inbox_messages
SET status = ?, plan_id = COALESCE(?, plan_id), reason = COALESCE(?, reason), updated_at = ?
WHERE id = ?
`, string(status), planID, reason, formatTime(time.Now()), id)
	if err != nil {
		return eris.Wrapf(err, "storage: update inbox message %d", id)
	}
	return checkRowsAffected(res, ErrNotFound, "inbox message %d", id)
}

func (d *DB) ListInboxMessages(ctx context.Context, status internal.InboxStatus, limit int) ([]internal.InboxMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, provider, message_id, subject, sender, received_at, hash, raw_path, status, plan_id, reason
FROM inbox_messages WHERE status = ? ORDER BY id LIMIT ?
`, string(status), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: list inbox messages %s", status)
	}
	defer rows.Close()

	out := []internal.InboxMessage{}
	for rows.Next() {
		msg, err := scanInboxMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, eris.Wrap(rows.Err(), "storage: iterate inbox messages")
}

func scanInboxMessage(row scannable) (internal.InboxMessage, error) {
	var (
		msg            internal.InboxMessage
		receivedAt     string
		status         string
		planID, reason sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.Provider, &msg.MessageID, &msg.Subject, &msg.Sender, &receivedAt,
		&msg.Hash, &msg.RawPath, &status, &planID, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return internal.InboxMessage{}, ErrNotFound
	}
	if err != nil {
		return internal.InboxMessage{}, eris.Wrap(err, "storage: scan inbox message")
	}
	msg.ReceivedAt = parseTime(receivedAt)
	msg.Status = internal.InboxStatus(status)
	msg.PlanID = nullString(planID)
	msg.Reason = nullString(reason)
	return msg, nil
}
