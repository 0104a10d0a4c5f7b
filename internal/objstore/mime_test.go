package objstore

import "testing"

func TestDetectMIMESniffed(t *testing.T) {
	pad := func(b []byte) []byte {
		for len(b) < 12 {
			b = append(b, 0)
		}
		return b
	}

	tests := []struct {
		name     string
		head     []byte
		filename string
		wantCT   string
		wantExt  string
	}{
		{"jpeg", pad([]byte{0xFF, 0xD8, 0xFF, 0xE0}), "photo.bin", "image/jpeg", "jpg"},
		{"png", pad([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}), "x", "image/png", "png"},
		{"gif", pad([]byte("GIF89a")), "anim.dat", "image/gif", "gif"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), "clip", "video/mp4", "mp4"},
		{"mov", []byte("\x00\x00\x00\x14ftypqt  "), "clip", "video/quicktime", "mov"},
		{"wav", []byte("RIFF\x24\x08\x00\x00WAVE"), "vm", "audio/wav", "wav"},
		{"mp3 id3", pad([]byte("ID3\x04")), "song", "audio/mpeg", "mp3"},
		{"pdf", pad([]byte("%PDF-1.7")), "invoice", "application/pdf", "pdf"},
		{"tiff le", pad([]byte{0x49, 0x49, 0x2A, 0x00}), "fax", "image/tiff", "tiff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectMIME(tt.head, tt.filename)
			if got.ContentType != tt.wantCT {
				t.Errorf("ContentType = %q, want %q", got.ContentType, tt.wantCT)
			}
			if got.Ext != tt.wantExt {
				t.Errorf("Ext = %q, want %q", got.Ext, tt.wantExt)
			}
		})
	}
}

func TestDetectMIMEExtensionFallback(t *testing.T) {
	// Unsniffale head falls back to the extension table.
	got := DetectMIME([]byte("hello world, plain"), "notes.txt")
	if got.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", got.ContentType)
	}

	got = DetectMIME([]byte("random bytes here"), "report.docx")
	if got.ContentType != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Errorf("ContentType = %q, want docx type", got.ContentType)
	}
}

func TestDetectMIMEUnknown(t *testing.T) {
	got := DetectMIME([]byte("no magic at all!!"), "mystery.xyz")
	if got.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", got.ContentType)
	}
	if got.Ext != "xyz" {
		t.Errorf("Ext = %q, want xyz", got.Ext)
	}

	// Short heads never sniff.
	got = DetectMIME([]byte{0xFF, 0xD8}, "a.jpg")
	if got.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg from extension", got.ContentType)
	}
}
