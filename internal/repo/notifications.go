package repo

import (
	"context"

	"civicflow/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	read := 0
	if n.Read {
		read = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,type,priority,read,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, n.Priority, read, nullable(n.PayloadJSON), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,recipient_id,type,priority,read,COALESCE(payload_json,''),created_at FROM notifications WHERE recipient_id=?`
	args := []any{recipientID}
	if unreadOnly {
		query += ` AND read=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Priority, &read, &n.PayloadJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) CountUnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id=? AND read=0`, recipientID).Scan(&n)
	return n, err
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND recipient_id=?`, id, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
