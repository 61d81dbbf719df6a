// Package fields turns extracted resume text into a structured profile with
// per-field confidences.
package fields

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"meetra/pkg/domain"
)

// ErrNoUsableFields is returned when the text yields no skill, title,
// experience or education entry.
var ErrNoUsableFields = errors.New("no usable fields in resume text")

type Options struct {
	// ReviewThreshold flags entries below it with NeedsReview.
	ReviewThreshold float64
	// SimilarityThreshold is the minimum fuzzy similarity for a vocabulary hit.
	SimilarityThreshold float64
}

type Extractor struct {
	reviewThreshold float64
	skills          *Vocabulary
	titles          *Vocabulary
	industries      *Vocabulary
	schema          *gojsonschema.Schema
}

func New(opts Options) (*Extractor, error) {
	if opts.ReviewThreshold <= 0 {
		opts.ReviewThreshold = 0.6
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = 0.85
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile profile schema: %w", err)
	}
	industries := make([]string, 0, len(industryRules))
	for _, r := range industryRules {
		industries = append(industries, r.name)
	}
	return &Extractor{
		reviewThreshold: opts.ReviewThreshold,
		skills:          newVocabulary(knownSkills, skillAliases, opts.SimilarityThreshold),
		titles:          newVocabulary(knownTitles, titleAliases, opts.SimilarityThreshold),
		industries:      newVocabulary(industries, industryAliases, opts.SimilarityThreshold),
		schema:          schema,
	}, nil
}

// SkillVectorSize is the dimension of ExtractedProfile.SkillVector.
func SkillVectorSize() int { return len(knownSkills) }

// Extract builds a profile from normalised text. Identity fields (ID,
// ResumeID, OwnerID, CreatedAt) are left for the caller.
func (e *Extractor) Extract(text string) (domain.ExtractedProfile, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ExtractedProfile{}, ErrNoUsableFields
	}
	sections := splitSections(text)

	rawSkills, skillsConf := extractSkills(sections, text)
	rawTitles, titlesConf := extractTitles(sections, text)
	industries, industriesConf := extractIndustries(sections, text, e.industries)
	summary, summaryConf := extractSummary(sections, rawTitles)
	headline, headlineConf := extractHeadline(sections, rawTitles, summary)
	experience := extractExperience(sections["experience"])
	education := extractEducation(sections["education"])

	skills := e.normalizeSkills(rawSkills, skillsConf)
	titles := e.normalizeTitles(rawTitles, titlesConf)
	if len(skills) == 0 && len(titles) == 0 && len(experience) == 0 && len(education) == 0 {
		return domain.ExtractedProfile{}, ErrNoUsableFields
	}
	for i := range experience {
		experience[i].NeedsReview = experience[i].Confidence < e.reviewThreshold
	}
	for i := range education {
		education[i].NeedsReview = education[i].Confidence < e.reviewThreshold
	}

	confidence := map[string]float64{
		"headline":   headlineConf,
		"summary":    summaryConf,
		"skills":     skillsConf,
		"titles":     titlesConf,
		"industries": industriesConf,
		"experience": 0.35,
		"education":  0.35,
	}
	if len(experience) > 0 {
		confidence["experience"] = 0.8
	}
	if len(education) > 0 {
		confidence["education"] = 0.75
	}

	keywords := make([]string, 0, len(skills)+len(titles)+len(industries))
	for _, s := range skills {
		keywords = append(keywords, s.Value)
	}
	for _, t := range titles {
		keywords = append(keywords, t.Value)
	}
	keywords = dedupe(append(keywords, industries...))
	if len(keywords) > 50 {
		keywords = keywords[:50]
	}

	p := domain.ExtractedProfile{
		Headline:    truncateRunes(headline, 200),
		Summary:     summary,
		Skills:      skills,
		Titles:      titles,
		Experience:  nonNil(experience),
		Education:   nonNil(education),
		Industries:  nonNil(industries),
		Keywords:    keywords,
		Confidence:  confidence,
		SkillVector: e.skillVector(skills),
	}
	if err := validateProfile(e.schema, p); err != nil {
		return domain.ExtractedProfile{}, err
	}
	return p, nil
}

func (e *Extractor) normalizeSkills(raw []string, base float64) []domain.SkillEntry {
	out := make([]domain.SkillEntry, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for _, r := range raw {
		m := e.skills.Lookup(r)
		conf := round4(base * scale(m))
		entry := domain.SkillEntry{
			Value:       truncateRunes(m.Value, 200),
			Canonical:   m.Canonical,
			Confidence:  conf,
			NeedsReview: conf < e.reviewThreshold,
		}
		if m.Value != r {
			entry.Raw = r
		}
		key := strings.ToLower(entry.Value)
		if i, ok := seen[key]; ok {
			// "py" and "Python" collapse; keep the stronger evidence.
			if entry.Confidence > out[i].Confidence {
				out[i] = entry
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, entry)
	}
	return out
}

func (e *Extractor) normalizeTitles(raw []string, base float64) []domain.TitleEntry {
	out := make([]domain.TitleEntry, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		m := e.titles.Lookup(r)
		key := strings.ToLower(m.Value)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		conf := round4(base * scale(m))
		entry := domain.TitleEntry{
			Value:       truncateRunes(m.Value, 200),
			Canonical:   m.Canonical,
			Confidence:  conf,
			NeedsReview: conf < e.reviewThreshold,
		}
		if m.Value != r {
			entry.Raw = r
		}
		out = append(out, entry)
	}
	return out
}

func (e *Extractor) skillVector(skills []domain.SkillEntry) []float32 {
	vec := make([]float32, e.skills.Size())
	for _, s := range skills {
		if !s.Canonical {
			continue
		}
		if i := e.skills.Position(s.Value); i >= 0 && float32(s.Confidence) > vec[i] {
			vec[i] = float32(s.Confidence)
		}
	}
	return vec
}

// scale is the confidence multiplier for a vocabulary match. Verbatim values
// keep their confidence.
func scale(m Match) float64 {
	if m.Canonical {
		return m.Similarity
	}
	return 1
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
