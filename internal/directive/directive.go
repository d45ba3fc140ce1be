// Package directive parses the bracketed side-effect instructions a
// model may embed in a completion: [SEARCH: query] and
// [MEMORIZE: content]. At most one directive is acted on per
// completion, and SEARCH wins over MEMORIZE.
//
// Inference stops at the "[SEARCH:" and "[MEMORIZE:" openers, so a
// model that honors its stop list never returns a complete bracket; the
// search and memorize branches only run when it does not.
package directive

import (
	"regexp"
	"strings"
)

var (
	searchRe   = regexp.MustCompile(`(?i)\[SEARCH:\s*(.+?)\s*\]`)
	memorizeRe = regexp.MustCompile(`(?i)\[MEMORIZE:\s*(.+?)\s*\]`)
	anyRe      = regexp.MustCompile(`(?i)\[(?:SEARCH|MEMORIZE):.*?\]`)
)

// Result is the outcome of Extract.
type Result struct {
	// Display is the completion with the acted-on tag removed and
	// surrounding whitespace trimmed. Without any tag it is the input,
	// unchanged.
	Display string

	Search    string
	HasSearch bool

	Memorize    string
	HasMemorize bool
}

// Extract finds the first SEARCH tag, or failing that the first
// MEMORIZE tag, and strips it from text. Tags with a blank argument are
// ignored. HasSearch and HasMemorize are never both true.
func Extract(text string) Result {
	if display, arg, ok := cut(searchRe, text); ok {
		return Result{Display: display, Search: arg, HasSearch: true}
	}
	if display, arg, ok := cut(memorizeRe, text); ok {
		return Result{Display: display, Memorize: arg, HasMemorize: true}
	}
	return Result{Display: text}
}

func cut(re *regexp.Regexp, text string) (display, arg string, ok bool) {
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		arg = strings.TrimSpace(text[m[2]:m[3]])
		if arg == "" {
			continue
		}
		return strings.TrimSpace(text[:m[0]] + text[m[1]:]), arg, true
	}
	return "", "", false
}

// Strip removes every directive tag from text and trims the result.
// It prepares display text for speech.
func Strip(text string) string {
	return strings.TrimSpace(anyRe.ReplaceAllString(text, ""))
}
