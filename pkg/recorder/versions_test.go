package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseVersions(t *testing.T) {
	loc := DefaultLocation()
	date := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	// Newest first, as the store prepends.
	text := FormatBlock("GARANT", "42", 2, date, date.Add(5*time.Minute), "Rate: 41.6/42.1", loc) +
		FormatBlock("GARANT", "43", 1, date, time.Time{}, "", loc) +
		FormatBlock("GARANT", "42", 1, date, time.Time{}, "Rate: 41.5/42.0", loc)

	got := ParseVersions(text)
	assert.Equal(t, map[string]int{"42": 2, "43": 1}, got)
}

func TestParseVersionsIgnoresBodyLookalikes(t *testing.T) {
	loc := DefaultLocation()
	date := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body string
	}{
		{"header lines", "[MESSAGE_ID] 999\n[VERSION] v77"},
		{
			"forwarded block",
			heavyRule + "\n[CHANNEL] GARANT\n[MESSAGE_ID] 999\n[VERSION] v77\n" + lightRule + "\nquoted\n" + heavyRule,
		},
		{
			"rules around fake headers",
			"see below\n" + heavyRule + "\n[MESSAGE_ID] 998\n[VERSION] v5\n" + lightRule + "\n" + heavyRule + "\nend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := FormatBlock("SWAPS", "2", 3, date, date, "newer", loc) +
				FormatBlock("SWAPS", "1", 1, date, time.Time{}, tt.body, loc) +
				FormatBlock("SWAPS", "2", 2, date, date, "older", loc)

			assert.Equal(t, map[string]int{"1": 1, "2": 3}, ParseVersions(text))
		})
	}
}

func TestParseVersionsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]int
	}{
		{name: "empty", text: "", want: map[string]int{}},
		{name: "garbage", text: "hello\nworld\n", want: map[string]int{}},
		{
			name: "bad version",
			text: heavyRule + "\n[MESSAGE_ID] 5\n[VERSION] vX\n" + lightRule + "\nbody\n" + heavyRule + "\n\n",
			want: map[string]int{},
		},
		{
			name: "crlf endings",
			text: heavyRule + "\r\n[MESSAGE_ID] 5\r\n[VERSION] v3\r\n" + lightRule + "\r\nbody\r\n" + heavyRule + "\r\n\r\n",
			want: map[string]int{"5": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVersions(tt.text))
		})
	}
}
