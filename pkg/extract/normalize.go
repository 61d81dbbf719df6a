package extract

import (
	"strings"
)

var invisibleReplacer = strings.NewReplacer(
	"\ufeff", "",
	"\x00", "",
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\u00a0", " ",
	"\r\n", "\n",
	"\r", "\n",
	"\f", "\n",
)

// Normalize cleans extracted text while keeping its line structure: one
// space between words, no trailing blanks, at most one empty line in a row.
func Normalize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = invisibleReplacer.Replace(text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
