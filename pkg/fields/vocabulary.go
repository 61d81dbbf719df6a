package fields

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// knownSkills is the canonical skill vocabulary. Its order fixes the layout
// of the profile skill vector, so entries are only ever appended.
var knownSkills = []string{
	"Python", "Java", "JavaScript", "TypeScript", "SQL", "PostgreSQL", "MySQL",
	"AWS", "Azure", "Docker", "Kubernetes", "React", "Node.js", "FastAPI",
	"Django", "Flask", "Git", "Linux", "Pandas", "NumPy", "Machine Learning",
	"Data Analysis", "REST APIs", "GraphQL", "Microservices", "Agile", "Scrum",
	"Project Management", "Go", "C++", "C#", "Rust", "Ruby", "PHP", "Kotlin",
	"Swift", "Redis", "MongoDB", "GCP", "Terraform", "CI/CD", "Spark",
	"TensorFlow", "PyTorch", "Vue.js", "Angular", "Next.js", "Spring Boot",
	".NET", "HTML", "CSS", "Tableau", "Excel",
}

var skillAliases = map[string]string{
	"py":                     "Python",
	"python3":                "Python",
	"js":                     "JavaScript",
	"ecmascript":             "JavaScript",
	"ts":                     "TypeScript",
	"postgres":               "PostgreSQL",
	"postgresql db":          "PostgreSQL",
	"psql":                   "PostgreSQL",
	"amazon web services":    "AWS",
	"microsoft azure":        "Azure",
	"k8s":                    "Kubernetes",
	"reactjs":                "React",
	"react.js":               "React",
	"node":                   "Node.js",
	"nodejs":                 "Node.js",
	"golang":                 "Go",
	"ml":                     "Machine Learning",
	"rest":                   "REST APIs",
	"rest api":               "REST APIs",
	"restful apis":           "REST APIs",
	"restful api":            "REST APIs",
	"google cloud":           "GCP",
	"google cloud platform":  "GCP",
	"vue":                    "Vue.js",
	"vuejs":                  "Vue.js",
	"nextjs":                 "Next.js",
	"dotnet":                 ".NET",
	"springboot":             "Spring Boot",
	"cpp":                    "C++",
	"csharp":                 "C#",
	"html5":                  "HTML",
	"css3":                   "CSS",
	"apache spark":           "Spark",
	"continuous integration": "CI/CD",
	"ms excel":               "Excel",
	"microsoft excel":        "Excel",
}

var knownTitles = []string{
	"Software Engineer", "Backend Engineer", "Frontend Engineer",
	"Full Stack Developer", "Software Developer", "Data Scientist",
	"Data Analyst", "Data Engineer", "Machine Learning Engineer",
	"DevOps Engineer", "Site Reliability Engineer", "QA Engineer",
	"Engineering Manager", "Product Manager", "Project Manager",
	"Product Owner", "UX Designer", "UI Designer", "Solutions Architect",
	"Business Analyst", "Technical Lead", "Scrum Master", "Consultant",
}

var titleAliases = map[string]string{
	"swe":                           "Software Engineer",
	"sde":                           "Software Engineer",
	"software development engineer": "Software Engineer",
	"back end engineer":             "Backend Engineer",
	"back-end engineer":             "Backend Engineer",
	"front end engineer":            "Frontend Engineer",
	"front-end engineer":            "Frontend Engineer",
	"fullstack developer":           "Full Stack Developer",
	"full-stack developer":          "Full Stack Developer",
	"sre":                           "Site Reliability Engineer",
	"ml engineer":                   "Machine Learning Engineer",
	"tech lead":                     "Technical Lead",
	"ux/ui designer":                "UX Designer",
}

var industryAliases = map[string]string{
	"fintech":            "FinTech",
	"financial":          "FinTech",
	"finance":            "FinTech",
	"banking":            "FinTech",
	"health":             "Healthcare",
	"health care":        "Healthcare",
	"edtech":             "Education",
	"ecommerce":          "E-commerce",
	"retail":             "E-commerce",
	"public sector":      "Government",
	"telecommunications": "Telecom",
	"utilities":          "Energy",
}

// Match is the outcome of looking a raw value up in a vocabulary.
type Match struct {
	Value      string
	Canonical  bool
	Similarity float64
}

// A fuzzy hit may differ from its key only by typos: tokens pair up one to
// one and each differing pair is within maxTypoEdits of a word of at least
// minTypoRunes letters without digits. "Nuxt.js" never becomes "Next.js".
const (
	minTypoRunes = 5
	maxTypoEdits = 1
)

// Vocabulary maps free-form values onto canonical names. Exact and alias hits
// have similarity 1; fuzzy hits carry their normalised Levenshtein similarity.
type Vocabulary struct {
	canonical []string
	index     map[string]string
	tokens    map[string][]string
	threshold float64
}

func newVocabulary(canonical []string, aliases map[string]string, threshold float64) *Vocabulary {
	v := &Vocabulary{
		canonical: canonical,
		index:     make(map[string]string, len(canonical)+len(aliases)),
		tokens:    make(map[string][]string, len(canonical)+len(aliases)),
		threshold: threshold,
	}
	for _, c := range canonical {
		v.add(vocabKey(c), c)
	}
	for alias, c := range aliases {
		v.add(vocabKey(alias), c)
	}
	return v
}

func (v *Vocabulary) add(key, canonical string) {
	v.index[key] = canonical
	v.tokens[key] = vocabTokens(key)
}

// Lookup canonicalises raw. Unmatched and ambiguous values come back verbatim
// with Canonical false and similarity 0.
func (v *Vocabulary) Lookup(raw string) Match {
	key := vocabKey(raw)
	if key == "" {
		return Match{Value: strings.TrimSpace(raw)}
	}
	if c, ok := v.index[key]; ok {
		return Match{Value: c, Canonical: true, Similarity: 1}
	}
	rawTokens := vocabTokens(key)
	best, bestSim, tied := "", 0.0, false
	for k, c := range v.index {
		if !typoOnly(rawTokens, v.tokens[k]) {
			continue
		}
		sim := similarity(key, k)
		switch {
		case sim > bestSim:
			best, bestSim, tied = c, sim, false
		case sim == bestSim && c != best:
			tied = true
		}
	}
	if best != "" && !tied && bestSim >= v.threshold {
		return Match{Value: best, Canonical: true, Similarity: bestSim}
	}
	return Match{Value: strings.TrimSpace(raw)}
}

func typoOnly(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if !typoCandidate(a[i]) || !typoCandidate(b[i]) {
			return false
		}
		if levenshtein.ComputeDistance(a[i], b[i]) > maxTypoEdits {
			return false
		}
	}
	return true
}

func typoCandidate(token string) bool {
	if utf8.RuneCountInString(token) < minTypoRunes {
		return false
	}
	return !strings.ContainsFunc(token, unicode.IsDigit)
}

// Position returns the index of a canonical value, or -1.
func (v *Vocabulary) Position(canonical string) int {
	for i, c := range v.canonical {
		if c == canonical {
			return i
		}
	}
	return -1
}

// Size is the number of canonical entries.
func (v *Vocabulary) Size() int { return len(v.canonical) }

func similarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func vocabTokens(key string) []string {
	return strings.FieldsFunc(key, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("./-_,", r)
	})
}

func vocabKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
