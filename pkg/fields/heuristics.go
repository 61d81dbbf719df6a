package fields

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"meetra/pkg/domain"
)

var titleKeywordRE = regexp.MustCompile(`(?i)\b(engineer|developer|manager|analyst|designer|consultant|director|lead|architect|scientist|specialist|coordinator|administrator|product|owner|intern)s?\b`)

var titleSplitRE = regexp.MustCompile(`\s+at\s+|\s+\|\s+|\s+[-–—]\s+|,\s+`)

type industryRule struct {
	name string
	re   *regexp.Regexp
}

var industryRules = []industryRule{
	{"FinTech", regexp.MustCompile(`(?i)\b(fintech|bank|banking|payments|insurance)\b`)},
	{"Healthcare", regexp.MustCompile(`(?i)\b(healthcare|hospital|clinical|medical|ehr)\b`)},
	{"Education", regexp.MustCompile(`(?i)\b(education|edtech|university|school)\b`)},
	{"E-commerce", regexp.MustCompile(`(?i)\b(e-commerce|ecommerce|retail|marketplace)\b`)},
	{"SaaS", regexp.MustCompile(`(?i)\b(saas|subscription software|b2b software)\b`)},
	{"Government", regexp.MustCompile(`(?i)\b(government|public sector|ministry)\b`)},
	{"Telecom", regexp.MustCompile(`(?i)\b(telecom|telecommunications|network operations)\b`)},
	{"Energy", regexp.MustCompile(`(?i)\b(energy|oil|gas|renewable|utilities)\b`)},
}

// commonWordSkills double as everyday English words.
var commonWordSkills = map[string]bool{
	"Excel": true, "Spark": true, "Swift": true, "Ruby": true, "Rust": true,
	"React": true, "Flask": true, "Angular": true, "Java": true, "Agile": true,
}

// skillPatterns match vocabulary skills inside free text. Short names and
// common words are matched case-sensitively so "go" or "spark" in prose does
// not count.
var skillPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(knownSkills))
	for i, s := range knownSkills {
		flags := "(?i)"
		if len(s) <= 3 || commonWordSkills[s] {
			flags = ""
		}
		out[i] = regexp.MustCompile(flags + `(?:^|[^\p{L}\p{N}+#.])` + regexp.QuoteMeta(s) + `(?:$|[^\p{L}\p{N}+#])`)
	}
	return out
}()

func extractSkills(sections map[string]string, text string) ([]string, float64) {
	if items := sectionItems(sections["skills"], 40); len(items) > 0 {
		return items, 0.85
	}
	var inferred []string
	for i, re := range skillPatterns {
		if re.MatchString(text) {
			inferred = append(inferred, knownSkills[i])
		}
	}
	if len(inferred) > 40 {
		inferred = inferred[:40]
	}
	if len(inferred) > 0 {
		return inferred, 0.55
	}
	return nil, 0.3
}

func extractTitles(sections map[string]string, text string) ([]string, float64) {
	source := sections["experience"]
	if source == "" {
		source = sections[preamble]
	}
	var titles []string
	for _, line := range sectionLines(source) {
		if isBullet(line) || looksLikeContact(line) || !titleKeywordRE.MatchString(line) {
			continue
		}
		candidate := strings.TrimSpace(titleSplitRE.Split(stripDates(line), 2)[0])
		if n := len(candidate); n >= 2 && n <= 90 {
			titles = append(titles, candidate)
		}
	}
	titles = dedupe(titles)
	if len(titles) > 15 {
		titles = titles[:15]
	}
	if len(titles) > 0 {
		if sections["experience"] != "" {
			return titles, 0.75
		}
		return titles, 0.55
	}

	lines := sectionLines(text)
	if len(lines) > 8 {
		lines = lines[:8]
	}
	for _, line := range lines {
		if titleKeywordRE.MatchString(line) && !looksLikeContact(line) {
			return []string{normalizeLine(line)}, 0.4
		}
	}
	return nil, 0.25
}

func extractIndustries(sections map[string]string, text string, vocab *Vocabulary) ([]string, float64) {
	if items := sectionItems(sections["industries"], 15); len(items) > 0 {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, vocab.Lookup(it).Value)
		}
		return dedupe(out), 0.8
	}
	var inferred []string
	for _, rule := range industryRules {
		if rule.re.MatchString(text) {
			inferred = append(inferred, rule.name)
		}
	}
	if len(inferred) > 0 {
		return inferred, 0.5
	}
	return nil, 0.3
}

func extractSummary(sections map[string]string, titles []string) (string, float64) {
	if s := sections["summary"]; s != "" {
		return truncateRunes(strings.ReplaceAll(s, "\n", " "), 1200), 0.85
	}
	var lines []string
	for _, line := range sectionLines(sections[preamble]) {
		if !looksLikeContact(line) {
			lines = append(lines, line)
		}
	}
	if len(lines) > 4 {
		lines = lines[:4]
	}
	if len(lines) > 0 {
		return truncateRunes(strings.Join(lines, " "), 1200), 0.55
	}
	if len(titles) > 0 {
		return titles[0], 0.35
	}
	return "", 0.2
}

// extractHeadline prefers a titled preamble line such as
// "Senior Backend Engineer | Go, Kubernetes" over the candidate name.
func extractHeadline(sections map[string]string, titles []string, summary string) (string, float64) {
	for _, line := range sectionLines(sections[preamble]) {
		if looksLikeContact(line) || !titleKeywordRE.MatchString(line) {
			continue
		}
		if n := len(line); n >= 2 && n <= 120 {
			return line, 0.7
		}
	}
	if len(titles) > 0 {
		return titles[0], 0.6
	}
	if summary != "" {
		return truncateRunes(summary, 120), 0.35
	}
	return "", 0.2
}

const (
	monthPart = `(?:(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+)?`
	datePart  = monthPart + `(?:19|20)\d{2}`
)

var (
	dateRangeRE = regexp.MustCompile(`(?i)(` + datePart + `)\s*(?:-|–|—|to)\s*(` + datePart + `|present|current|now)`)
	yearRE      = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	entrySplit  = regexp.MustCompile(`\s+at\s+|\s*\|\s*|\s+[-–—]\s+|,\s+`)
	degreeRE    = regexp.MustCompile(`(?i)\b(?:bachelor|master|doctorate|diploma|associate|degree|mba|ph\.?\s?d|b\.?\s?sc|m\.?\s?sc|b\.?\s?eng|m\.?\s?eng|b\.s\.|m\.s\.|b\.a\.|m\.a\.)`)
	schoolRE    = regexp.MustCompile(`(?i)\b(?:university|college|institute|school|academy|polytechnic)\b`)
)

func stripDates(line string) string {
	out := dateRangeRE.ReplaceAllString(line, "")
	out = strings.ReplaceAll(out, "()", "")
	return strings.Trim(normalizeLine(out), " ,|-–—")
}

func splitEntry(line string) []string {
	var parts []string
	for _, p := range entrySplit.Split(line, -1) {
		if p = strings.Trim(strings.TrimSpace(p), " ,|()"); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// extractExperience reads "Title at Company (Jan 2019 - Present)" style lines.
// Bullet lines are treated as role descriptions and skipped.
func extractExperience(section string) []domain.ExperienceEntry {
	var entries []domain.ExperienceEntry
	lines := sectionLines(section)
	for _, line := range lines {
		if isBullet(line) {
			continue
		}
		entry := domain.ExperienceEntry{Raw: line}
		conf := 0.45
		if m := dateRangeRE.FindStringSubmatch(line); m != nil {
			entry.Start = normalizeLine(m[1])
			entry.End = normalizeLine(m[2])
			conf += 0.15
		}
		parts := splitEntry(stripDates(line))
		switch {
		case len(parts) >= 2 && !titleKeywordRE.MatchString(parts[0]) && titleKeywordRE.MatchString(parts[1]):
			entry.Title, entry.Company = parts[1], parts[0]
		case len(parts) >= 2:
			entry.Title, entry.Company = parts[0], parts[1]
		case len(parts) == 1 && titleKeywordRE.MatchString(parts[0]):
			entry.Title = parts[0]
		}
		if entry.Title != "" && titleKeywordRE.MatchString(entry.Title) {
			conf += 0.2
		}
		if entry.Company != "" {
			conf += 0.1
		}
		if entry.Start == "" && !titleKeywordRE.MatchString(line) {
			continue
		}
		entry.Confidence = round4(conf)
		entries = append(entries, entry)
		if len(entries) == 40 {
			break
		}
	}
	if len(entries) > 0 {
		return entries
	}
	for _, item := range sectionItems(section, 40) {
		entries = append(entries, domain.ExperienceEntry{Raw: item, Confidence: 0.4})
	}
	return entries
}

func extractEducation(section string) []domain.EducationEntry {
	var entries []domain.EducationEntry
	for _, line := range sectionLines(section) {
		line = strings.Trim(line, bulletTrimCutset)
		if line == "" {
			continue
		}
		entry := domain.EducationEntry{Raw: line}
		conf := 0.45
		if years := yearRE.FindAllString(line, -1); len(years) > 0 {
			entry.Year = years[len(years)-1]
			conf += 0.05
		}
		for _, part := range splitEntry(yearRE.ReplaceAllString(line, "")) {
			switch {
			case entry.Institution == "" && schoolRE.MatchString(part):
				entry.Institution = part
			case entry.Degree == "" && degreeRE.MatchString(part):
				entry.Degree = part
			}
		}
		if entry.Degree != "" {
			conf += 0.2
		}
		if entry.Institution != "" {
			conf += 0.2
		}
		entry.Confidence = round4(conf)
		entries = append(entries, entry)
		if len(entries) == 25 {
			break
		}
	}
	return entries
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
