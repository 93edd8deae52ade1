package vis

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	markdownPolicyOnce sync.Once
	markdownPolicy     *bluemonday.Policy
)

// MarkdownPolicy keeps a small formatting subset and removes scripts, event
// handlers and javascript URLs from model-authored text.
func MarkdownPolicy() *bluemonday.Policy {
	markdownPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowAttrs("class").OnElements("code", "pre")
		policy.AllowURLSchemes("http", "https", "mailto")
		policy.RequireParseableURLs(true)
		markdownPolicy = policy
	})
	return markdownPolicy
}

// Clean strips unsafe markup from s. Text without any tag is returned as is so
// markdown punctuation is not entity-escaped.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return s
	}
	return strings.TrimSpace(MarkdownPolicy().Sanitize(s))
}
