package fields

import (
	"errors"
	"strings"
	"testing"
)

const sampleResume = `Jane Doe
Senior Backend Engineer | Go, Kubernetes
jane@example.com | +1 (555) 123-4567 | linkedin.com/in/janedoe

Summary
Backend engineer with eight years building payments platforms.

Technical Skills
golang, k8s, PostgreSQL; Kubernets
Redis | Terraform

Experience
Senior Backend Engineer at Acme Payments (Jan 2019 - Present)
- Built the settlement service in Go
Software Engineer, Globex (2015 - 2018)

Education
BSc Computer Science, University of Toronto, 2015

Industries
Banking, Healthcare
`

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(Options{})
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	return e
}

func TestExtractInlineSkillsHeading(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract("Skills: Python, FastAPI")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(p.Skills) != 2 {
		t.Fatalf("expected 2 skills, got %+v", p.Skills)
	}
	for i, want := range []string{"Python", "FastAPI"} {
		s := p.Skills[i]
		if s.Value != want || !s.Canonical {
			t.Fatalf("skill %d = %+v, want canonical %s", i, s, want)
		}
		if s.Confidence <= 0 || s.Confidence > 1 {
			t.Fatalf("skill %s confidence out of range: %v", want, s.Confidence)
		}
		if s.NeedsReview {
			t.Fatalf("skill %s should not need review", want)
		}
	}
}

func TestExtractFullResume(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract(sampleResume)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if p.Headline != "Senior Backend Engineer | Go, Kubernetes" {
		t.Fatalf("unexpected headline %q", p.Headline)
	}
	if !strings.HasPrefix(p.Summary, "Backend engineer with eight years") {
		t.Fatalf("unexpected summary %q", p.Summary)
	}

	got := map[string]float64{}
	for _, s := range p.Skills {
		got[s.Value] = s.Confidence
	}
	for _, want := range []string{"Go", "Kubernetes", "PostgreSQL", "Redis", "Terraform"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("missing skill %s in %+v", want, p.Skills)
		}
	}
	if got["Go"] != 0.85 {
		t.Fatalf("alias match should keep confidence, got %v", got["Go"])
	}
	// "k8s" and the misspelt "Kubernets" collapse onto one entry.
	var kube int
	for _, s := range p.Skills {
		if s.Value == "Kubernetes" {
			kube++
		}
	}
	if kube != 1 {
		t.Fatalf("expected one Kubernetes entry, got %d", kube)
	}

	if len(p.Experience) != 2 {
		t.Fatalf("expected 2 experience entries, got %+v", p.Experience)
	}
	first := p.Experience[0]
	if first.Title != "Senior Backend Engineer" || first.Company != "Acme Payments" {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if first.Start != "Jan 2019" || first.End != "Present" {
		t.Fatalf("unexpected dates %+v", first)
	}
	second := p.Experience[1]
	if second.Title != "Software Engineer" || second.Company != "Globex" || second.Start != "2015" || second.End != "2018" {
		t.Fatalf("unexpected second entry %+v", second)
	}

	if len(p.Titles) != 2 || p.Titles[0].Value != "Senior Backend Engineer" || p.Titles[1].Value != "Software Engineer" {
		t.Fatalf("unexpected titles %+v", p.Titles)
	}
	if !p.Titles[1].Canonical {
		t.Fatalf("Software Engineer should be canonical")
	}

	if len(p.Education) != 1 {
		t.Fatalf("expected 1 education entry, got %+v", p.Education)
	}
	edu := p.Education[0]
	if edu.Degree != "BSc Computer Science" || edu.Institution != "University of Toronto" || edu.Year != "2015" {
		t.Fatalf("unexpected education %+v", edu)
	}

	if len(p.Industries) != 2 || p.Industries[0] != "FinTech" || p.Industries[1] != "Healthcare" {
		t.Fatalf("unexpected industries %v", p.Industries)
	}
	if p.Confidence["skills"] != 0.85 || p.Confidence["industries"] != 0.8 {
		t.Fatalf("unexpected confidence map %v", p.Confidence)
	}
	if c := p.ParseConfidence(); c <= 0 || c > 1 {
		t.Fatalf("parse confidence out of range: %v", c)
	}
	if len(p.SkillVector) != SkillVectorSize() {
		t.Fatalf("skill vector size %d", len(p.SkillVector))
	}
}

func TestExtractInfersSkillsFromProse(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract("Data Analyst\nBuilt dashboards with Python and SQL on AWS.\nWe go to GitHub often.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	values := map[string]bool{}
	for _, s := range p.Skills {
		values[s.Value] = true
		if s.Confidence != 0.55 || !s.NeedsReview {
			t.Fatalf("inferred skill %+v should carry 0.55 and need review", s)
		}
	}
	for _, want := range []string{"Python", "SQL", "AWS"} {
		if !values[want] {
			t.Fatalf("missing inferred skill %s in %+v", want, p.Skills)
		}
	}
	for _, bad := range []string{"Go", "Git"} {
		if values[bad] {
			t.Fatalf("false positive skill %s", bad)
		}
	}
	if len(p.Titles) != 1 || p.Titles[0].Value != "Data Analyst" || p.Titles[0].Confidence != 0.55 {
		t.Fatalf("unexpected titles %+v", p.Titles)
	}
}

func TestExtractNoUsableFields(t *testing.T) {
	e := newTestExtractor(t)
	for _, text := range []string{"", "   \n", "hello there\nthis is a letter"} {
		if _, err := e.Extract(text); !errors.Is(err, ErrNoUsableFields) {
			t.Fatalf("Extract(%q) err = %v, want ErrNoUsableFields", text, err)
		}
	}
}

func TestInferredSkillsIgnoreEverydayWords(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract("Account Manager\nI excel at swift delivery and spark new ideas with Python.\nReporting in Excel.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := map[string]bool{}
	for _, s := range p.Skills {
		got[s.Value] = true
	}
	if !got["Python"] || !got["Excel"] {
		t.Fatalf("missing inferred skills in %+v", p.Skills)
	}
	for _, bad := range []string{"Swift", "Spark"} {
		if got[bad] {
			t.Fatalf("everyday word inferred as skill %s", bad)
		}
	}
}

func TestVocabularyLookup(t *testing.T) {
	v := newVocabulary(knownSkills, skillAliases, 0.85)
	cases := []struct {
		raw       string
		want      string
		canonical bool
		exact     bool
	}{
		{"python", "Python", true, true},
		{"  K8S ", "Kubernetes", true, true},
		{"golang", "Go", true, true},
		{"Kubernets", "Kubernetes", true, false},
		{"Javascrpt", "JavaScript", true, false},
		{"Underwater Basket Weaving", "Underwater Basket Weaving", false, false},
		{"Product Management", "Product Management", false, false},
		{"Nuxt.js", "Nuxt.js", false, false},
		{"Python2", "Python2", false, false},
		{"Rest API Design", "Rest API Design", false, false},
		{"Kubernetes Operators", "Kubernetes Operators", false, false},
	}
	for _, tc := range cases {
		m := v.Lookup(tc.raw)
		if m.Value != tc.want || m.Canonical != tc.canonical {
			t.Fatalf("Lookup(%q) = %+v, want %s canonical=%v", tc.raw, m, tc.want, tc.canonical)
		}
		if tc.exact && m.Similarity != 1 {
			t.Fatalf("Lookup(%q) similarity = %v, want 1", tc.raw, m.Similarity)
		}
		if tc.canonical && !tc.exact && (m.Similarity < 0.85 || m.Similarity >= 1) {
			t.Fatalf("Lookup(%q) fuzzy similarity = %v", tc.raw, m.Similarity)
		}
	}
}

func TestFuzzySkillScalesConfidence(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract("Skills\nKubernets")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(p.Skills) != 1 {
		t.Fatalf("unexpected skills %+v", p.Skills)
	}
	s := p.Skills[0]
	if s.Value != "Kubernetes" || s.Raw != "Kubernets" {
		t.Fatalf("unexpected entry %+v", s)
	}
	if s.Confidence >= 0.85 || s.Confidence < 0.85*0.85 {
		t.Fatalf("fuzzy confidence not scaled: %v", s.Confidence)
	}
}

func TestNearNeighbourSkillsStayVerbatim(t *testing.T) {
	e := newTestExtractor(t)
	p, err := e.Extract("Jane Doe\nSkills: Product Management, Nuxt.js, Go")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := map[string]bool{}
	for _, s := range p.Skills {
		got[s.Value] = true
		switch s.Value {
		case "Project Management", "Next.js":
			t.Fatalf("near neighbour coerced to %+v", s)
		case "Product Management", "Nuxt.js":
			if s.Canonical || s.Raw != "" || s.Confidence != 0.85 {
				t.Fatalf("verbatim skill altered: %+v", s)
			}
		}
	}
	for _, want := range []string{"Product Management", "Nuxt.js", "Go"} {
		if !got[want] {
			t.Fatalf("missing skill %s in %+v", want, p.Skills)
		}
	}
}

func TestReviewThresholdOption(t *testing.T) {
	e, err := New(Options{ReviewThreshold: 0.9})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p, err := e.Extract("Skills: Python")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !p.Skills[0].NeedsReview {
		t.Fatalf("0.85 skill should need review at threshold 0.9")
	}
}

func TestSplitSections(t *testing.T) {
	sections := splitSections("Jane\nPROFILE:\nBuilds things\nWork History -\nEngineer at X\nSkills: Go; Rust\nDocker")
	if sections[preamble] != "Jane" {
		t.Fatalf("preamble = %q", sections[preamble])
	}
	if sections["summary"] != "Builds things" {
		t.Fatalf("summary = %q", sections["summary"])
	}
	if sections["experience"] != "Engineer at X" {
		t.Fatalf("experience = %q", sections["experience"])
	}
	if sections["skills"] != "Go; Rust\nDocker" {
		t.Fatalf("skills = %q", sections["skills"])
	}
}

func TestLooksLikeContact(t *testing.T) {
	cases := map[string]bool{
		"jane@example.com":                true,
		"github.com/jane":                 true,
		"+1 (555) 123-4567":               true,
		"Engineer at Acme (2019 - 2022)":  false,
		"Senior Engineer, 2015 - Present": false,
	}
	for line, want := range cases {
		if got := looksLikeContact(line); got != want {
			t.Fatalf("looksLikeContact(%q) = %v, want %v", line, got, want)
		}
	}
}
