package progress

import (
	"strings"
	"testing"
)

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{
			name: "short input unchanged",
			in:   "john@example.com",
			max:  40,
			want: "john@example.com",
		},
		{
			name: "exactly at the limit unchanged",
			in:   strings.Repeat("x", 40),
			max:  40,
			want: strings.Repeat("x", 40),
		},
		{
			name: "long ascii truncated with ellipsis",
			in:   strings.Repeat("x", 50),
			max:  40,
			want: strings.Repeat("x", 37) + "...",
		},
		{
			name: "multi-byte runes never split",
			in:   strings.Repeat("ü", 50),
			max:  40,
			want: strings.Repeat("ü", 37) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateTitle(tt.in, tt.max); got != tt.want {
				t.Errorf("truncateTitle(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestBarDisabled(t *testing.T) {
	if New(10, "debug").Enabled() {
		t.Error("bar must be disabled at debug level")
	}
	if New(0, "info").Enabled() {
		t.Error("bar must be disabled with no messages to count")
	}
}
