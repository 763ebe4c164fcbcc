package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuarantineEntry is a ledger feed message that was rejected.
type QuarantineEntry struct {
	Topic     string
	Partition int
	Offset    int64
	Payload   string
	Reason    string
}

// QuarantinedMessage is a stored quarantine row.
type QuarantinedMessage struct {
	ID            uuid.UUID `json:"quarantine_id"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	QuarantineEntry
}

type quarantineConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	rowQuerier
}

// QuarantineWriter stores rejected feed messages for later inspection.
type QuarantineWriter struct {
	conn quarantineConn
}

// NewQuarantineWriter creates a QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{conn: client}
}

// Write stores one rejected message.
func (q *QuarantineWriter) Write(ctx context.Context, e QuarantineEntry) error {
	err := q.conn.Exec(ctx, `
		INSERT INTO feed_quarantine (quarantine_id, topic, partition, offset, payload, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New(), e.Topic, int32(e.Partition), e.Offset, e.Payload, e.Reason)
	if err != nil {
		return WrapQueryError("Write", "feed_quarantine", err)
	}
	return nil
}

// Recent returns the newest quarantined messages.
func (q *QuarantineWriter) Recent(ctx context.Context, limit int) ([]QuarantinedMessage, error) {
	rows, err := q.conn.queryRows(ctx, `
		SELECT quarantine_id, quarantined_at, topic, partition, offset, payload, reason
		FROM feed_quarantine
		ORDER BY quarantined_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, WrapQueryError("Recent", "feed_quarantine", err)
	}
	defer rows.Close()

	var out []QuarantinedMessage
	for rows.Next() {
		var m QuarantinedMessage
		var partition int32
		if err := rows.Scan(&m.ID, &m.QuarantinedAt, &m.Topic, &partition, &m.Offset, &m.Payload, &m.Reason); err != nil {
			return nil, WrapQueryError("Recent", "feed_quarantine", fmt.Errorf("scan: %w", err))
		}
		m.Partition = int(partition)
		out = append(out, m)
	}
	return out, rows.Err()
}
