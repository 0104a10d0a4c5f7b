package pbx

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Voicemails returns up to limit voicemails received after since, oldest
// first, skipping tombstoned rows. The source stores the receive time as
// text in YYYYMMDDHH24MISS.FF form, so the cursor is applied after
// parsing. Rows with an unparseable receive time carry a zero ReceivedAt
// for the stage to count as record-level errors; they are returned only
// on the initial pass (since zero) and never occupy batch slots, so they
// cannot starve later rows out of the batch.
func (c *Client) Voicemails(ctx context.Context, since time.Time, limit int) ([]VoicemailRecord, error) {
	if !c.schema.Voicemail {
		return nil, nil
	}

	rows, err := c.q.Query(ctx, `
		SELECT id::text, COALESCE(callerid, ''), COALESCE(callername, ''),
		       COALESCE(extension, ''), filename, duration, received_dt
		FROM s_voicemail
		WHERE removed IS NULL
		ORDER BY received_dt ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying voicemails: %w", err)
	}
	defer rows.Close()

	var out []VoicemailRecord
	good := 0
	for rows.Next() {
		var (
			vm VoicemailRecord
			ts string
		)
		if err := rows.Scan(&vm.SourceID, &vm.CallerNumber, &vm.CallerName,
			&vm.Extension, &vm.Filename, &vm.DurationSeconds, &ts); err != nil {
			return nil, fmt.Errorf("scanning voicemail: %w", err)
		}
		t, perr := ParseVMTimestamp(ts)
		if perr != nil {
			if since.IsZero() {
				out = append(out, vm)
			}
			continue
		}
		vm.ReceivedAt = t
		if !since.IsZero() && !t.After(since) {
			continue
		}
		out = append(out, vm)
		good++
		if good >= limit {
			break
		}
	}
	return out, rows.Err()
}

// ParseVMTimestamp parses the voicemail receive time, stored as text in
// YYYYMMDDHH24MISS.FF form (the fractional part is optional).
func ParseVMTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing voicemail timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
