package recorder

import (
	"bufio"
	"strconv"
	"strings"
)

const (
	messageIDTag = "[MESSAGE_ID] "
	versionTag   = "[VERSION] v"
)

// ParseVersions scans stored raw text and returns the highest version seen per message id.
// Malformed headers are skipped.
func ParseVersions(text string) map[string]int {
	versions := make(map[string]int)

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	const (
		idle = iota
		header
		body
	)

	var id string
	state := idle
	// closing is set after a heavy rule inside a body. The rule ends the
	// block only if a blank line or the end of the text follows it.
	closing := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		if state == body {
			if closing {
				closing = false
				if line == "" {
					state = idle
					continue
				}
			}
			if line == heavyRule {
				closing = true
			}
			continue
		}

		switch {
		case line == heavyRule:
			state = header
			id = ""
		case line == lightRule && state == header:
			state = body
		case state != header:
		case strings.HasPrefix(line, messageIDTag):
			id = strings.TrimSpace(strings.TrimPrefix(line, messageIDTag))
		case strings.HasPrefix(line, versionTag) && id != "":
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, versionTag)))
			if err != nil || v < 1 {
				continue
			}
			if v > versions[id] {
				versions[id] = v
			}
		}
	}

	return versions
}
