package corpus

import (
	"regexp"
	"strings"
)

var (
	extraWhitespace = regexp.MustCompile(`[^\S\n]+`)
	spaceColon      = regexp.MustCompile(` +:`)
	paddedNewline   = regexp.MustCompile(` *\n *`)
	repeatedNewline = regexp.MustCompile(`\n{2,}`)
)

// SanitizeText normalises whitespace: Windows line endings and escaped
// "\n" sequences become plain newlines, runs of blank lines collapse to one
// newline, runs of other whitespace collapse to one space, spaces before a
// colon and around newlines are dropped and the text is trimmed of spaces.
func SanitizeText(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = extraWhitespace.ReplaceAllString(text, " ")
	text = spaceColon.ReplaceAllString(text, ":")
	text = paddedNewline.ReplaceAllString(text, "\n")
	text = repeatedNewline.ReplaceAllString(text, "\n")
	return strings.Trim(text, " ")
}
