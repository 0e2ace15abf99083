package recorder

import (
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Kyiv zone must resolve on minimal container images
)

const (
	// TimeLayout is the layout of [DATE] and [EDITED] values.
	TimeLayout = "2006-01-02 15:04:05"

	// NoText replaces the body of messages without text.
	NoText = "[NO TEXT]"

	defaultZone = "Europe/Kyiv"
)

var (
	heavyRule = strings.Repeat("=", 100)
	lightRule = strings.Repeat("-", 100)
)

// DefaultLocation returns the zone block timestamps are rendered in.
func DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(defaultZone)
	if err != nil {
		// tzdata is embedded, so this only happens if the zone is renamed.
		return time.FixedZone("EET", 2*60*60)
	}
	return loc
}

// FormatBlock renders a raw block. An empty edited time omits the [EDITED] line.
func FormatBlock(channel, messageID string, version int, date, edited time.Time, text string, loc *time.Location) string {
	var b strings.Builder

	b.WriteString(heavyRule + "\n")
	b.WriteString("[CHANNEL] " + channel + "\n")
	b.WriteString("[MESSAGE_ID] " + messageID + "\n")
	b.WriteString("[VERSION] v" + strconv.Itoa(version) + "\n")
	b.WriteString("[DATE] " + formatTime(date, loc) + "\n")
	if !edited.IsZero() {
		b.WriteString("[EDITED] " + formatTime(edited, loc) + "\n")
	}
	b.WriteString(lightRule + "\n")

	body := strings.TrimSpace(text)
	if body == "" {
		body = NoText
	}
	b.WriteString(body + "\n")
	b.WriteString(heavyRule + "\n\n")

	return b.String()
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(TimeLayout)
}
