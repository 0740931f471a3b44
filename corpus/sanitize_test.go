package corpus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type SanitizerTest struct {
	Name     string
	Input    string
	Expected string
}

var sanitizerTests = []SanitizerTest{
	{"\\n handling",
		"\nfoobar\\n\n",
		"\nfoobar\n"},
	{"\\r handling",
		"\r\n\r\n",
		"\n"},
	{"Trailing spaces handling",
		"foobar  ",
		"foobar"},
	{"Extra spaces handling",
		"foo  bar",
		"foo bar"},
	{"Prefix spaces handling",
		" foo bar",
		"foo bar"},
	{"Colon with spaces handling",
		"foo : bar",
		"foo: bar"},
	{"Extra spaces with newlines",
		" foo \n   bar\nfoo ",
		"foo\nbar\nfoo"},
	{"Tabs handling",
		"foo\t\tbar",
		"foo bar"},
}

func TestSanitizeText(t *testing.T) {
	for _, test := range sanitizerTests {
		t.Run(test.Name, func(t *testing.T) {
			assert.Equal(t, test.Expected, SanitizeText(test.Input))
		})
	}
}
