package objstore

import (
	"bytes"
	"strings"
)

// Detected is the outcome of MIME detection: the content type plus the
// extension the stored key should carry.
type Detected struct {
	ContentType string
	Ext         string
}

var extTable = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"json": "application/json",
	"zip":  "application/zip",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

var mimeToExt = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/tiff":      "tiff",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"audio/wav":       "wav",
	"audio/mpeg":      "mp3",
	"application/pdf": "pdf",
}

// DetectMIME determines the content type of a payload. Precedence: magic
// bytes in the first 12 bytes, then the extension table, then
// application/octet-stream. The result drives both the stored MIME and
// the final key extension.
func DetectMIME(head []byte, filename string) Detected {
	if ct := sniff(head); ct != "" {
		ext := mimeToExt[ct]
		if ext == "" {
			ext = extFromName(filename)
		}
		return Detected{ContentType: ct, Ext: ext}
	}

	ext := extFromName(filename)
	if ct, ok := extTable[ext]; ok {
		return Detected{ContentType: ct, Ext: ext}
	}
	return Detected{ContentType: "application/octet-stream", Ext: ext}
}

func extFromName(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// sniff recognizes the common containers by their magic bytes.
func sniff(b []byte) string {
	if len(b) < 12 {
		return ""
	}
	switch {
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(b, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a")):
		return "image/gif"
	case bytes.Equal(b[4:8], []byte("ftyp")):
		// MP4 family; QuickTime brands start with "qt".
		if bytes.HasPrefix(b[8:12], []byte("qt")) {
			return "video/quicktime"
		}
		return "video/mp4"
	case bytes.HasPrefix(b, []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return "audio/wav"
	case bytes.HasPrefix(b, []byte("ID3")),
		len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case bytes.HasPrefix(b, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(b, []byte{0x49, 0x49, 0x2A, 0x00}),
		bytes.HasPrefix(b, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	}
	return ""
}
