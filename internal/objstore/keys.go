package objstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Category is the top-level grouping under each tenant prefix.
type Category string

const (
	CategoryChatMedia  Category = "chat-media"
	CategoryRecordings Category = "recordings"
	CategoryVoicemails Category = "voicemails"
	CategoryFaxes      Category = "faxes"
	CategoryMeetings   Category = "meetings"
)

var (
	reservedChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatDashes  = regexp.MustCompile(`-{2,}`)
)

// SanitizeName makes a filename safe for use in an object key: reserved
// characters become dashes and repeats collapse.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = reservedChars.ReplaceAllString(name, "-")
	name = repeatDashes.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		return "unnamed"
	}
	return name
}

// Key builds the deterministic object key
// {tenant}/{category}/{YYYY}/{MM}/{sanitized-basename}.{ext}.
// ext replaces whatever extension the filename carried; pass "" to keep it.
func Key(tenantID int64, category Category, at time.Time, filename, ext string) string {
	base := path.Base(filename)
	oldExt := path.Ext(base)
	stem := strings.TrimSuffix(base, oldExt)
	if ext == "" {
		ext = strings.TrimPrefix(oldExt, ".")
	}
	ext = strings.TrimPrefix(ext, ".")

	name := SanitizeName(stem)
	if ext != "" {
		name = name + "." + SanitizeName(ext)
	}
	return fmt.Sprintf("%d/%s/%04d/%02d/%s", tenantID, category, at.Year(), int(at.Month()), name)
}

// ThumbKey derives the thumbnail key for a media key.
func ThumbKey(key string) string {
	dir, base := path.Split(key)
	return dir + "thumb/" + base
}
