package pbx

import (
	"testing"
	"time"
)

func strptr(s string) *string { return &s }

func TestDeriveChatName(t *testing.T) {
	tests := []struct {
		name         string
		publicName   *string
		generated    string
		participants []string
		want         string
	}{
		{"public name wins", strptr("Support Team"), "gen", []string{"100", "101"}, "Support Team"},
		{"empty public falls through", strptr(""), "gen", nil, "gen"},
		{"generated name second", nil, "Alice, Bob", []string{"100", "101"}, "Alice, Bob"},
		{"synthesized pair", nil, "", []string{"100", "101"}, "100, 101"},
		{"synthesized group", nil, "", []string{"100", "101", "102", "103"}, "100, 101 +2"},
		{"single participant", nil, "", []string{"100"}, "100"},
		{"nothing", nil, "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveChatName(tt.publicName, tt.generated, tt.participants)
			if got != tt.want {
				t.Errorf("DeriveChatName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsGroupChat(t *testing.T) {
	if !IsGroupChat(strptr("Team"), []string{"100"}) {
		t.Error("named conversation should be a group chat")
	}
	if IsGroupChat(nil, []string{"100", "101"}) {
		t.Error("two-party unnamed conversation should not be a group chat")
	}
	if !IsGroupChat(nil, []string{"100", "101", "102"}) {
		t.Error("three participants should be a group chat")
	}
}

func TestParseVMTimestamp(t *testing.T) {
	got, err := ParseVMTimestamp("20240315142530.99")
	if err != nil {
		t.Fatalf("ParseVMTimestamp() error: %v", err)
	}
	want := time.Date(2024, 3, 15, 14, 25, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseVMTimestamp() = %v, want %v", got, want)
	}

	// Without the fractional part.
	got, err = ParseVMTimestamp("20240315142530")
	if err != nil {
		t.Fatalf("ParseVMTimestamp() without fraction error: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("ParseVMTimestamp() = %v, want %v", got, want)
	}

	if _, err := ParseVMTimestamp("not-a-timestamp"); err == nil {
		t.Error("ParseVMTimestamp() accepted garbage, want error")
	}
	if _, err := ParseVMTimestamp(""); err == nil {
		t.Error("ParseVMTimestamp() accepted empty string, want error")
	}
}

func TestNormalizeDirection(t *testing.T) {
	tests := []struct {
		dirText                  string
		fromExternal, toExternal bool
		want                     string
	}{
		{"Inbound", false, false, DirInbound},
		{"out", false, false, DirOutbound},
		{"internal", true, true, DirInternal},
		{"", true, false, DirInbound},
		{"", false, true, DirOutbound},
		{"", false, false, DirInternal},
		{"", true, true, DirInternal},
		{"garbage", true, false, DirInbound},
	}
	for _, tt := range tests {
		got := NormalizeDirection(tt.dirText, tt.fromExternal, tt.toExternal)
		if got != tt.want {
			t.Errorf("NormalizeDirection(%q, %v, %v) = %q, want %q",
				tt.dirText, tt.fromExternal, tt.toExternal, got, tt.want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		dispText string
		answered bool
		want     string
	}{
		{"ANSWERED", false, StatusAnswered},
		{"no answer", true, StatusMissed},
		{"busy", true, StatusFailed},
		{"", true, StatusAnswered},
		{"", false, StatusMissed},
	}
	for _, tt := range tests {
		if got := NormalizeStatus(tt.dispText, tt.answered); got != tt.want {
			t.Errorf("NormalizeStatus(%q, %v) = %q, want %q", tt.dispText, tt.answered, got, tt.want)
		}
	}
}

func TestRecordingFileBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://pbx.example.com/recordings/100/call17.wav", "call17.wav"},
		{"/var/lib/phonesystem/recordings/100/call17.wav", "call17.wav"},
		{"call17.wav", "call17.wav"},
		{"  /recordings/call17.wav  ", "call17.wav"},
		{"", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := RecordingFileBase(tt.in); got != tt.want {
			t.Errorf("RecordingFileBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPickCallLogSource(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    CallLogSource
	}{
		{"v14 beats everything", []string{"cl", "myphone_callhistory_v14", "cdr"}, CallLogMyphoneV14},
		{"cl second", []string{"cl", "callhistory3"}, CallLogCL},
		{"generic fallback", []string{"call_history"}, CallLogCallHistory},
		{"nothing", nil, CallLogNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			present := make(map[string]bool)
			for _, p := range tt.present {
				present[p] = true
			}
			if got := pickCallLogSource(present); got != tt.want {
				t.Errorf("pickCallLogSource() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordingDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)

	r := &Recording{StartedAt: &start, EndedAt: &end}
	if d := r.DurationSeconds(); d == nil || *d != 95 {
		t.Errorf("DurationSeconds() = %v, want 95", d)
	}

	r = &Recording{StartedAt: &start}
	if d := r.DurationSeconds(); d != nil {
		t.Errorf("DurationSeconds() without end = %v, want nil", d)
	}

	// End before start yields no duration rather than a negative one.
	r = &Recording{StartedAt: &end, EndedAt: &start}
	if d := r.DurationSeconds(); d != nil {
		t.Errorf("DurationSeconds() with inverted range = %v, want nil", d)
	}
}
