package domain

import (
	"strings"
	"time"
)

// ResumeState is the lifecycle state of one upload attempt.
type ResumeState string

const (
	StateUploaded   ResumeState = "UPLOADED"
	StateScanning   ResumeState = "SCANNING"
	StateScanned    ResumeState = "SCANNED"
	StateExtracting ResumeState = "EXTRACTING"
	StateParsing    ResumeState = "PARSING"
	StateParsed     ResumeState = "PARSED"
	StateFailed     ResumeState = "FAILED"
)

var stateRank = map[ResumeState]int{
	StateUploaded:   0,
	StateScanning:   1,
	StateScanned:    2,
	StateExtracting: 3,
	StateParsing:    4,
	StateParsed:     5,
	StateFailed:     6,
}

// Valid reports whether s is a known state.
func (s ResumeState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further stage runs for s.
func (s ResumeState) Terminal() bool {
	return s == StateParsed || s == StateFailed
}

// CanTransition reports whether moving from s to next keeps the state machine
// monotonic. Staying in the same non-terminal state is allowed (stage retries
// and the extract commit inside EXTRACTING).
func (s ResumeState) CanTransition(next ResumeState) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	if next == StateParsed {
		return s == StateParsing
	}
	return to >= from
}

// ProgressStage is the lower-case stage name reported to pollers.
func (s ResumeState) ProgressStage() string {
	return strings.ToLower(string(s))
}

// ErrorCode is a stable, programmatic failure identifier.
type ErrorCode string

const (
	CodeUnsupportedFormat  ErrorCode = "UnsupportedFormat"
	CodePayloadTooLarge    ErrorCode = "PayloadTooLarge"
	CodeEmptyFile          ErrorCode = "EmptyFile"
	CodeDuplicateResume    ErrorCode = "DuplicateResume"
	CodeNotFound           ErrorCode = "NotFound"
	CodeMalwareDetected    ErrorCode = "MalwareDetected"
	CodeScanUnavailable    ErrorCode = "ScanUnavailable"
	CodeExtractionFailed   ErrorCode = "ExtractionFailed"
	CodeParsingFailed      ErrorCode = "ParsingFailed"
	CodeQueueError         ErrorCode = "QueueError"
	CodeStorageWriteFailed ErrorCode = "StorageWriteFailed"
	CodeRateLimited        ErrorCode = "RateLimited"
	CodeValidation         ErrorCode = "ValidationError"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// ResumeDocument is one upload attempt and its pipeline progress.
type ResumeDocument struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"ownerId"`
	ContentRef       string      `json:"-"`
	OriginalFilename string      `json:"originalFilename"`
	MimeType         string      `json:"mimeType"`
	ByteSize         int64       `json:"byteSize"`
	SHA256           string      `json:"sha256"`
	State            ResumeState `json:"state"`
	ErrorCode        ErrorCode   `json:"errorCode,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
	TextRef          string      `json:"-"`
	ResultRef        string      `json:"resultRef,omitempty"`
	ScanAttempts     int         `json:"-"`
	ParseAttempts    int         `json:"-"`
	ParseConfidence  *float64    `json:"parseConfidence,omitempty"`
	ParsedAt         *time.Time  `json:"parsedAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// SkillEntry is one extracted skill.
type SkillEntry struct {
	Value       string  `json:"value"`
	Raw         string  `json:"raw,omitempty"`
	Canonical   bool    `json:"canonical"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needsReview,omitempty"`
}

// TitleEntry is one job title.
type TitleEntry struct {
	Value       string  `json:"value"`
	Raw         string  `json:"raw,omitempty"`
	Canonical   bool    `json:"canonical"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needsReview,omitempty"`
}

// ExperienceEntry is one employment record.
type ExperienceEntry struct {
	Title       string  `json:"title,omitempty"`
	Company     string  `json:"company,omitempty"`
	Start       string  `json:"start,omitempty"`
	End         string  `json:"end,omitempty"`
	Raw         string  `json:"raw"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needsReview,omitempty"`
}

// EducationEntry is one education record.
type EducationEntry struct {
	Institution string  `json:"institution,omitempty"`
	Degree      string  `json:"degree,omitempty"`
	Year        string  `json:"year,omitempty"`
	Raw         string  `json:"raw"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needsReview,omitempty"`
}

// ExtractedProfile is the immutable structured result of a parsed resume.
type ExtractedProfile struct {
	ID          string             `json:"id"`
	ResumeID    string             `json:"resumeId"`
	OwnerID     string             `json:"ownerId"`
	Headline    string             `json:"headline,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	Skills      []SkillEntry       `json:"skills"`
	Titles      []TitleEntry       `json:"titles"`
	Experience  []ExperienceEntry  `json:"experienceEntries"`
	Education   []EducationEntry   `json:"educationEntries"`
	Industries  []string           `json:"industries"`
	Keywords    []string           `json:"keywords"`
	Confidence  map[string]float64 `json:"confidence"`
	SkillVector []float32          `json:"-"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// ParseConfidence averages the per-field confidence map.
func (p ExtractedProfile) ParseConfidence() float64 {
	if len(p.Confidence) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.Confidence {
		sum += v
	}
	return sum / float64(len(p.Confidence))
}

// ActiveResumePointer names the resume currently used for matching.
type ActiveResumePointer struct {
	UserID      string    `json:"userId"`
	ResumeID    string    `json:"resumeId"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OverrideSource marks who produced an override.
const OverrideSourceUserConfirmed = "USER_CONFIRMED"

// EditableProfileFields lists the fields a caller may override.
var EditableProfileFields = []string{"headline", "summary", "skills", "titles", "industries"}

// IsEditableField reports whether field accepts overrides.
func IsEditableField(field string) bool {
	for _, f := range EditableProfileFields {
		if f == field {
			return true
		}
	}
	return false
}

// ProfileOverride is a caller correction of one profile field. It never
// mutates the ExtractedProfile it corrects.
type ProfileOverride struct {
	UserID     string    `json:"userId"`
	Field      string    `json:"field"`
	Text       string    `json:"text,omitempty"`
	Items      []string  `json:"items,omitempty"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
