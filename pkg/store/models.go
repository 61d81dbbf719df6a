package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ResumeModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index:idx_resumes_owner_created,priority:1"`
	ContentRef       string `gorm:"not null"`
	OriginalFilename string `gorm:"not null"`
	MimeType         string `gorm:"not null"`
	ByteSize         int64  `gorm:"not null"`
	SHA256           string `gorm:"column:sha256;not null;index"`
	State            string `gorm:"not null;index"`
	ErrorCode        string
	ErrorMessage     string
	TextRef          string
	ResultRef        string
	ScanAttempts     int `gorm:"not null;default:0"`
	ParseAttempts    int `gorm:"not null;default:0"`
	ParseConfidence  *float64
	ParsedAt         *time.Time
	CreatedAt        time.Time `gorm:"not null;index:idx_resumes_owner_created,priority:2"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (ResumeModel) TableName() string { return "resumes" }

type ProfileModel struct {
	ID          string           `gorm:"primaryKey"`
	ResumeID    string           `gorm:"not null;uniqueIndex"`
	OwnerID     string           `gorm:"not null;index"`
	Headline    string           `gorm:"type:text"`
	Summary     string           `gorm:"type:text"`
	Skills      datatypes.JSON   `gorm:"type:jsonb;not null"`
	Titles      datatypes.JSON   `gorm:"type:jsonb;not null"`
	Experience  datatypes.JSON   `gorm:"type:jsonb;not null"`
	Education   datatypes.JSON   `gorm:"type:jsonb;not null"`
	Industries  datatypes.JSON   `gorm:"type:jsonb;not null"`
	Keywords    datatypes.JSON   `gorm:"type:jsonb;not null"`
	Confidence  datatypes.JSON   `gorm:"type:jsonb;not null"`
	SkillVector *pgvector.Vector `gorm:"type:vector"`
	CreatedAt   time.Time        `gorm:"not null"`
}

func (ProfileModel) TableName() string { return "extracted_profiles" }

type ActivePointerModel struct {
	UserID      string    `gorm:"primaryKey"`
	ResumeID    string    `gorm:"not null"`
	SubmittedAt time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (ActivePointerModel) TableName() string { return "active_resume_pointers" }

type OverrideModel struct {
	UserID     string         `gorm:"primaryKey"`
	Field      string         `gorm:"primaryKey"`
	Text       string         `gorm:"type:text"`
	Items      datatypes.JSON `gorm:"type:jsonb"`
	Confidence float64        `gorm:"not null"`
	Source     string         `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (OverrideModel) TableName() string { return "profile_overrides" }
