package email

import (
	"fmt"
	"strings"

	"linkedin-watcher/pkg/ledger"
)

func formatDigestBody(summary *ledger.RunSummary) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".listing { margin-bottom: 20px; padding-bottom: 20px; border-bottom: 1px solid #0a66c2; }\n")
	b.WriteString(".listing:last-of-type { border-bottom: none; }\n")
	b.WriteString(".title { color: #0a66c2; font-weight: 600; font-size: 1.1em; text-decoration: none; }\n")
	b.WriteString(".title:hover { text-decoration: underline; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.95em; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".title { color: #70b5f9; }\n")
	b.WriteString(".meta { color: #a0a0a0; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	for _, l := range summary.NewListings {
		b.WriteString("<div class=\"listing\">\n")
		if l.URL != "" {
			b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"title\">%s</a>\n",
				escapeHTML(l.URL), escapeHTML(l.Title)))
		} else {
			b.WriteString(fmt.Sprintf("<span class=\"title\">%s</span>\n", escapeHTML(l.Title)))
		}
		b.WriteString("<div class=\"meta\">")
		b.WriteString(escapeHTML(l.Company))
		if l.Location != "" {
			b.WriteString(" &bull; " + escapeHTML(l.Location))
		}
		if l.PostedAt != "" {
			b.WriteString(" &bull; posted " + escapeHTML(l.PostedAt))
		}
		b.WriteString("</div>\n</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("Run of %s: %d observed, %d new, %d refreshed, %d expired",
		summary.RunDate.Format("Jan 2, 2006"),
		summary.Observed, summary.Inserted, summary.Refreshed, summary.Expired))
	if summary.ExpirySkipped {
		b.WriteString(fmt.Sprintf(" (expiry skipped: %s)", escapeHTML(summary.ExpirySkipReason)))
	}
	b.WriteString("\n</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

// escapeHTML escapes listing fields before they land in the digest markup.
// Titles and company names come from scraped pages and are untrusted.
func escapeHTML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(s)
}
