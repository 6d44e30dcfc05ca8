// Package sanitize cleans up review-comment bodies before the webhook server
// hands them to review classification, and truncates text that is posted
// back to GitHub as comments.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	detailsTagRe    = regexp.MustCompile(`(?i)</?details>`)
	summaryTagRe    = regexp.MustCompile(`(?i)<summary>(.*?)</summary>`)
	blockquoteTagRe = regexp.MustCompile(`(?is)<blockquote>(.*?)</blockquote>`)
	anyTagRe        = regexp.MustCompile(`<[^>]+>`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
)

// ReviewBody converts common HTML tags emitted by review bots (CodeRabbit's
// <details>/<summary>/<blockquote> wrappers) into Markdown equivalents, then
// strips anything left over. Renamed from the teacher's
// sanitizeReviewBodyForMattermost: there is no Mattermost markdown target
// here; the result feeds review classification.
func ReviewBody(body string) string {
	body = detailsTagRe.ReplaceAllString(body, "")
	body = summaryTagRe.ReplaceAllString(body, "**$1**")

	body = blockquoteTagRe.ReplaceAllStringFunc(body, func(match string) string {
		inner := blockquoteTagRe.FindStringSubmatch(match)
		if len(inner) > 1 {
			lines := strings.Split(strings.TrimSpace(inner[1]), "\n")
			for i, l := range lines {
				lines[i] = "> " + strings.TrimSpace(l)
			}
			return strings.Join(lines, "\n")
		}
		return match
	})

	body = anyTagRe.ReplaceAllString(body, "")
	body = blankRunRe.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// Truncate shortens s to at most maxLen characters, appending "..." when it
// was cut.
func Truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
