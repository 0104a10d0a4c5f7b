package pbx

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Normalized direction and status values.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
	DirInternal = "internal"

	StatusAnswered = "answered"
	StatusMissed   = "missed"
	StatusFailed   = "failed"
)

// Every call-log variant projects onto this uniform column list; the
// mapping per schema lives entirely in the template, the normalization of
// direction and status in Go. No dynamic SQL beyond choosing a template.
//
// id, caller, caller_name, callee, callee_name, ext,
// from_external, to_external, dir_text, disp_text, answered,
// ring_s, talk_s, started_at, answered_at, ended_at, has_rec, rec_file

const callLogsMyphoneV14 = `
	SELECT call_id::text, COALESCE(caller_number, ''), COALESCE(caller_display_name, ''),
	       COALESCE(callee_number, ''), COALESCE(callee_display_name, ''), COALESCE(dn, ''),
	       FALSE, FALSE, COALESCE(direction, ''), '', answered,
	       COALESCE(ringing_duration, 0), COALESCE(talking_duration, 0),
	       start_time, answer_time, end_time,
	       recording_url IS NOT NULL, COALESCE(recording_url, '')
	FROM myphone_callhistory_v14
	WHERE ($1::timestamptz IS NULL OR start_time > $1)
	ORDER BY start_time ASC
	LIMIT $2`

const callLogsCL = `
	SELECT idcl::text, COALESCE(from_no, ''), COALESCE(from_display_name, ''),
	       COALESCE(to_no, ''), COALESCE(to_display_name, ''), COALESCE(dn, ''),
	       is_from_outside, is_to_outside, '', '', is_answered,
	       COALESCE(ring_seconds, 0), COALESCE(talk_seconds, 0),
	       starttime, answertime, endtime,
	       recording_file IS NOT NULL, COALESCE(recording_file, '')
	FROM cl
	WHERE ($1::timestamptz IS NULL OR starttime > $1)
	ORDER BY starttime ASC
	LIMIT $2`

const callLogsCallhistory3 = `
	SELECT id::text, COALESCE(callerid, ''), COALESCE(callername, ''),
	       COALESCE(calleeid, ''), COALESCE(calleename, ''), COALESCE(extension, ''),
	       from_outside, to_outside, '', '', answered,
	       COALESCE(ring_sec, 0), COALESCE(talk_sec, 0),
	       started, answered_at, ended,
	       recorded, ''
	FROM callhistory3
	WHERE ($1::timestamptz IS NULL OR started > $1)
	ORDER BY started ASC
	LIMIT $2`

// Generic fallback shared by the cdr, callhistory and call_history shapes.
const callLogsGenericFmt = `
	SELECT id::text, COALESCE(src, ''), COALESCE(src_name, ''),
	       COALESCE(dst, ''), COALESCE(dst_name, ''), COALESCE(extension, ''),
	       FALSE, FALSE, COALESCE(direction, ''), COALESCE(disposition, ''), FALSE,
	       COALESCE(ring_seconds, 0), COALESCE(talk_seconds, 0),
	       start_time, answer_time, end_time,
	       has_recording, ''
	FROM %s
	WHERE ($1::timestamptz IS NULL OR start_time > $1)
	ORDER BY start_time ASC
	LIMIT $2`

// CallLogs returns up to limit normalized call records started after
// since, using the highest-priority call-log source present.
func (c *Client) CallLogs(ctx context.Context, since time.Time, limit int) ([]CallRecord, error) {
	var query string
	switch c.schema.CallLog {
	case CallLogMyphoneV14:
		query = callLogsMyphoneV14
	case CallLogCL:
		query = callLogsCL
	case CallLogCallhistory3:
		query = callLogsCallhistory3
	case CallLogCDR, CallLogCallhistory, CallLogCallHistory:
		query = fmt.Sprintf(callLogsGenericFmt, c.schema.CallLog.String())
	default:
		return nil, nil
	}

	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}

	rows, err := c.q.Query(ctx, query, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call logs from %s: %w", c.schema.CallLog, err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var (
			r                        CallRecord
			fromExternal, toExternal bool
			dirText, dispText        string
			answered                 bool
			recFile                  string
		)
		if err := rows.Scan(&r.SourceID, &r.CallerNumber, &r.CallerName,
			&r.CalleeNumber, &r.CalleeName, &r.Extension,
			&fromExternal, &toExternal, &dirText, &dispText, &answered,
			&r.RingSeconds, &r.TalkSeconds, &r.StartedAt, &r.AnsweredAt, &r.EndedAt,
			&r.HasRecording, &recFile); err != nil {
			return nil, fmt.Errorf("scanning call log: %w", err)
		}
		r.Direction = NormalizeDirection(dirText, fromExternal, toExternal)
		r.Status = NormalizeStatus(dispText, answered || r.AnsweredAt != nil)
		r.TotalSeconds = totalSeconds(r.RingSeconds, r.TalkSeconds, r.StartedAt, r.EndedAt)
		r.RecordingFile = RecordingFileBase(recFile)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordingFileBase reduces a recording URL or path to its bare
// filename so it can be matched against archived recordings. Returns
// "" when nothing filename-like is left.
func RecordingFileBase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Path != "" {
		s = u.Path
	}
	b := path.Base(s)
	if b == "." || b == "/" {
		return ""
	}
	return b
}

// NormalizeDirection maps variant-specific direction hints onto the
// closed {inbound, outbound, internal} set. The textual hint wins when
// present; otherwise the external-endpoint flags decide.
func NormalizeDirection(dirText string, fromExternal, toExternal bool) string {
	switch strings.ToLower(strings.TrimSpace(dirText)) {
	case "inbound", "in", "incoming":
		return DirInbound
	case "outbound", "out", "outgoing":
		return DirOutbound
	case "internal", "local":
		return DirInternal
	}
	switch {
	case fromExternal && !toExternal:
		return DirInbound
	case toExternal && !fromExternal:
		return DirOutbound
	default:
		return DirInternal
	}
}

// NormalizeStatus maps variant-specific disposition hints onto the closed
// {answered, missed, failed} set.
func NormalizeStatus(dispText string, answered bool) string {
	switch strings.ToLower(strings.TrimSpace(dispText)) {
	case "answered", "answer", "completed":
		return StatusAnswered
	case "no answer", "noanswer", "missed", "unanswered", "cancel", "cancelled":
		return StatusMissed
	case "failed", "busy", "congestion", "error":
		return StatusFailed
	}
	if answered {
		return StatusAnswered
	}
	return StatusMissed
}

func totalSeconds(ring, talk int, started time.Time, ended *time.Time) int {
	if ended != nil && !started.IsZero() {
		if d := int(ended.Sub(started).Seconds()); d >= 0 {
			return d
		}
	}
	return ring + talk
}
