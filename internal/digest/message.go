package digest

import (
	"fmt"
	"html"
	"strings"

	"github.com/erikjohnston/github-matrix-project-bot/model"
)

// Build renders the digest from a cycle's results. The review count is the
// sum over review metrics; blocker metrics are listed only when non-zero.
func Build(results []model.MetricResult) model.DigestMessage {
	var (
		reviews    int64
		reviewLink string
		plain      []string
		formatted  []string
	)
	for _, r := range results {
		if r.Query.Digest == model.DigestReview {
			reviews += r.Count
			if reviewLink == "" {
				reviewLink = r.Query.Link
			}
		}
	}

	noun := "PRs"
	verb := "are"
	if reviews == 1 {
		noun, verb = "PR", "is"
	}
	counted := fmt.Sprintf("%d %s", reviews, noun)
	plain = append(plain, fmt.Sprintf("Good morning! There %s %s waiting for review.", verb, counted))
	formatted = append(formatted, fmt.Sprintf("Good morning! There %s %s waiting for review.", verb, link(counted, reviewLink)))

	var plainBlockers, htmlBlockers []string
	for _, r := range results {
		if r.Query.Digest != model.DigestBlocker || r.Count == 0 {
			continue
		}
		title := r.Query.Title
		if title == "" {
			title = r.Query.ID
		}
		n := fmt.Sprintf("%d", r.Count)
		plainBlockers = append(plainBlockers, fmt.Sprintf("%s in %s", n, title))
		htmlBlockers = append(htmlBlockers, fmt.Sprintf("%s in %s", link(n, r.Query.Link), html.EscapeString(title)))
	}
	if len(plainBlockers) > 0 {
		plain = append(plain, "Also: "+strings.Join(plainBlockers, ", ")+".")
		formatted = append(formatted, "Also: "+strings.Join(htmlBlockers, ", ")+".")
	}

	return model.DigestMessage{
		Body:          strings.Join(plain, " "),
		FormattedBody: strings.Join(formatted, " "),
	}
}

func link(text, href string) string {
	if href == "" {
		return html.EscapeString(text)
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(text))
}
