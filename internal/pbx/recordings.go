package pbx

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Recordings returns up to limit recording rows. The column set is
// probed: installations with start_time page on the since cursor;
// installations without it have no usable timestamp, so rows are paged
// by id with afterID as the cursor.
func (c *Client) Recordings(ctx context.Context, since time.Time, afterID string, limit int) ([]Recording, error) {
	if !c.schema.Recordings {
		return nil, nil
	}

	cols := c.schema.RecordingCols

	start := "NULL::timestamptz"
	if cols.StartTime {
		start = "start_time"
	}
	end := "NULL::timestamptz"
	if cols.EndTime {
		end = "end_time"
	}

	query := fmt.Sprintf(`
		SELECT id::text, COALESCE(caller_number, ''), COALESCE(caller_name, ''),
		       COALESCE(callee_number, ''), COALESCE(callee_name, ''),
		       COALESCE(extension, ''), COALESCE(direction, ''),
		       recording_url, %s, %s
		FROM recordings`, start, end)

	var args []any
	if cols.StartTime {
		query += `
		WHERE ($1::timestamptz IS NULL OR start_time > $1)
		ORDER BY start_time ASC
		LIMIT $2`
		var sinceArg *time.Time
		if !since.IsZero() {
			sinceArg = &since
		}
		args = append(args, sinceArg, limit)
	} else {
		query += `
		WHERE ($1::bigint IS NULL OR id > $1)
		ORDER BY id ASC
		LIMIT $2`
		var afterArg *int64
		if n, err := strconv.ParseInt(afterID, 10, 64); err == nil {
			afterArg = &n
		}
		args = append(args, afterArg, limit)
	}

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		if err := rows.Scan(&r.SourceID, &r.CallerNumber, &r.CallerName,
			&r.CalleeNumber, &r.CalleeName, &r.Extension, &r.Direction,
			&r.URL, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
