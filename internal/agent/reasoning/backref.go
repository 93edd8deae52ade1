package reasoning

import (
	"regexp"
	"strings"
)

// Answers cite earlier tool results with back-references of the form
//
//	<message_id>: <32 lowercase hex>
//
// optionally preceded on the same line by "(intention: <text>)". Citations
// are collected in order of appearance; duplicates keep their first position.
var (
	citationPattern  = regexp.MustCompile(`<message_id>:\s*([a-f0-9]{32})`)
	intentionPattern = regexp.MustCompile(`\(intention\s*:\s*([^)]*)\)`)
)

// Citation is one back-reference found in an answer.
type Citation struct {
	MessageID string
	Intention string
}

// ParseCitations returns the back-references in text.
func ParseCitations(text string) []Citation {
	var out []Citation
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		matches := citationPattern.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		intention := ""
		if m := intentionPattern.FindStringSubmatch(line); m != nil {
			intention = strings.TrimSpace(m[1])
		}
		for _, m := range matches {
			if seen[m[1]] {
				continue
			}
			seen[m[1]] = true
			out = append(out, Citation{MessageID: m[1], Intention: intention})
		}
	}
	return out
}

// StripCitations removes back-references and their intention notes from
// text. Lines left empty by the removal are dropped.
func StripCitations(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if !citationPattern.MatchString(line) {
			out = append(out, line)
			continue
		}
		line = citationPattern.ReplaceAllString(line, "")
		line = strings.TrimRight(intentionPattern.ReplaceAllString(line, ""), " \t")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}
