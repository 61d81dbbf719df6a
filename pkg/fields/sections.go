package fields

import (
	"regexp"
	"strings"
)

const preamble = "preamble"

var headingAliases = map[string][]string{
	"summary":    {"summary", "professional summary", "profile", "about", "about me", "objective"},
	"skills":     {"skills", "technical skills", "core skills", "competencies", "tech stack", "key skills"},
	"experience": {"experience", "work experience", "professional experience", "employment history", "work history"},
	"education":  {"education", "academic background", "qualifications"},
	"industries": {"industries", "industry", "industry exposure"},
}

const bulletTrimCutset = " -•*·\t"

var (
	splitRE        = regexp.MustCompile(`[,\n;|]+`)
	headingPunctRE = regexp.MustCompile(`[:\- ]+$`)
	nonHeadingRE   = regexp.MustCompile(`[^a-z ]`)
)

// headingName returns the section a stand-alone heading line opens.
func headingName(line string) (string, bool) {
	candidate := strings.ToLower(strings.TrimSpace(line))
	candidate = headingPunctRE.ReplaceAllString(candidate, "")
	candidate = nonHeadingRE.ReplaceAllString(candidate, " ")
	candidate = normalizeLine(candidate)
	if candidate == "" || len(strings.Fields(candidate)) > 4 {
		return "", false
	}
	for section, aliases := range headingAliases {
		for _, a := range aliases {
			if candidate == a {
				return section, true
			}
		}
	}
	return "", false
}

// inlineHeading splits "Skills: Python, Go" into its section and remainder.
func inlineHeading(line string) (string, string, bool) {
	head, rest, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}
	section, ok := headingName(head)
	if !ok {
		return "", "", false
	}
	return section, rest, true
}

// splitSections groups lines under the most recent heading. Lines before any
// heading land in the preamble. Each section is returned with normalised,
// non-empty lines.
func splitSections(text string) map[string]string {
	grouped := map[string][]string{preamble: nil}
	current := preamble
	for _, raw := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(raw)
		if stripped == "" {
			continue
		}
		if section, ok := headingName(stripped); ok {
			current = section
			if _, seen := grouped[current]; !seen {
				grouped[current] = nil
			}
			continue
		}
		if section, rest, ok := inlineHeading(stripped); ok {
			current = section
			grouped[current] = append(grouped[current], normalizeLine(rest))
			continue
		}
		grouped[current] = append(grouped[current], normalizeLine(stripped))
	}
	out := make(map[string]string, len(grouped))
	for k, lines := range grouped {
		out[k] = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return out
}

// sectionItems splits a section into list items, dropping sentences.
func sectionItems(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var items []string
	for _, tok := range splitRE.Split(text, -1) {
		item := strings.Trim(normalizeLine(tok), bulletTrimCutset)
		if item == "" || len(item) > 120 || strings.Count(item, " ") > 12 {
			continue
		}
		items = append(items, item)
	}
	items = dedupe(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// sectionLines returns the non-empty lines of a section.
func sectionLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func normalizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dedupe keeps the first occurrence of each case-insensitive value.
func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		k := strings.ToLower(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

func isBullet(line string) bool {
	return strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") ||
		strings.HasPrefix(line, "•") || strings.HasPrefix(line, "·")
}

var phoneRE = regexp.MustCompile(`\+?\d[\d\- ()]{6,}`)

// looksLikeContact reports email, profile link and phone lines. A phone run
// needs nine digits so year ranges like "2019 - 2022" do not count.
func looksLikeContact(line string) bool {
	lower := strings.ToLower(line)
	if strings.Contains(line, "@") || strings.Contains(lower, "linkedin.com") || strings.Contains(lower, "github.com") {
		return true
	}
	for _, m := range phoneRE.FindAllString(line, -1) {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= 9 {
			return true
		}
	}
	return false
}
