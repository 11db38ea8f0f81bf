package device

import "testing"

func TestSupportsFavorites(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"2.6.9", false},
		{"2.7.0", true},
		{"2.7.11.abcdef0", true},
		{"3.0.0", true},
		{"1.9.9", false},
		{"not-a-version", false},
	}
	for _, tc := range cases {
		got := ParseFirmwareVersion(tc.version).SupportsFavorites()
		if got != tc.want {
			t.Errorf("SupportsFavorites(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}

func TestNodeID(t *testing.T) {
	if got := NodeID(0x12345678); got != "!12345678" {
		t.Errorf("NodeID = %q, want !12345678", got)
	}
}
