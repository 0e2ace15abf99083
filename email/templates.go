package email

import (
	"fmt"
	"strings"
	"time"
)

func formatAlertBody(c Crash, host string, suppressed int) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("table { border-collapse: collapse; }\n")
	b.WriteString("td { padding: 4px 12px 4px 0; vertical-align: top; }\n")
	b.WriteString("td.key { color: #7f8c8d; }\n")
	b.WriteString("pre { background: #f6f6f6; padding: 12px; white-space: pre-wrap; word-break: break-word; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("pre { background: #2a2a2a; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<p>Task <strong>%s</strong> crashed and will restart in %s.</p>\n",
		escapeHTML(c.Task), escapeHTML(c.Delay.String())))

	b.WriteString("<table>\n")
	row := func(key, value string) {
		b.WriteString(fmt.Sprintf("<tr><td class=\"key\">%s</td><td>%s</td></tr>\n", key, escapeHTML(value)))
	}
	row("Host", host)
	row("Time", c.At.UTC().Format(time.RFC3339))
	row("Consecutive failures", fmt.Sprint(c.Attempt))
	if suppressed > 0 {
		row("Suppressed alerts", fmt.Sprint(suppressed))
	}
	b.WriteString("</table>\n")

	errText := "unknown error"
	if c.Err != nil {
		errText = c.Err.Error()
	}
	b.WriteString("<pre>")
	b.WriteString(escapeHTML(errText))
	b.WriteString("</pre>\n")

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
