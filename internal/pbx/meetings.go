package pbx

import (
	"context"
	"fmt"
	"time"
)

// Meetings returns meeting rows started after since, when the PBX has a
// meetings table. Installations without one are handled by the meetings
// stage via SFTP directory listing instead.
func (c *Client) Meetings(ctx context.Context, since time.Time, limit int) ([]MeetingRecord, error) {
	if !c.schema.Meetings {
		return nil, nil
	}

	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}

	rows, err := c.q.Query(ctx, `
		SELECT id::text, COALESCE(organizer_extension, ''), COALESCE(title, ''),
		       filename, start_time, duration_seconds
		FROM meetings
		WHERE ($1::timestamptz IS NULL OR start_time > $1)
		ORDER BY start_time ASC
		LIMIT $2`, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("querying meetings: %w", err)
	}
	defer rows.Close()

	var out []MeetingRecord
	for rows.Next() {
		var m MeetingRecord
		if err := rows.Scan(&m.SourceID, &m.OrganizerExtension, &m.Title,
			&m.Filename, &m.StartedAt, &m.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scanning meeting: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Faxes returns fax rows received after since, when the PBX has a fax
// table. Installations without one are handled by the fax stage via SFTP
// directory listing instead.
func (c *Client) Faxes(ctx context.Context, since time.Time, limit int) ([]FaxRecord, error) {
	if !c.schema.Faxes {
		return nil, nil
	}

	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}

	rows, err := c.q.Query(ctx, `
		SELECT id::text, COALESCE(direction, ''), COALESCE(remote_number, ''),
		       filename, received_at
		FROM faxes
		WHERE ($1::timestamptz IS NULL OR received_at > $1)
		ORDER BY received_at ASC
		LIMIT $2`, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("querying faxes: %w", err)
	}
	defer rows.Close()

	var out []FaxRecord
	for rows.Next() {
		var f FaxRecord
		if err := rows.Scan(&f.SourceID, &f.Direction, &f.RemoteNumber,
			&f.Filename, &f.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning fax: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
