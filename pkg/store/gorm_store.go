package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"meetra/pkg/domain"
)

const migrateLockID int64 = 51730417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrently starting replicas do not race.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&ResumeModel{}, &ProfileModel{}, &ActivePointerModel{}, &OverrideModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// One in-flight upload per (owner, content) pair.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_resumes_inflight_sha
			ON resumes (owner_id, sha256)
			WHERE state NOT IN ('PARSED', 'FAILED');
		`).Error; err != nil {
			return fmt.Errorf("create in-flight index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateResume inserts a new UPLOADED record.
func (s *GormStore) CreateResume(ctx context.Context, doc domain.ResumeDocument) error {
	model := resumeToModel(doc)
	err := s.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateInFlight
	}
	return err
}

// GetResume loads one resume record.
func (s *GormStore) GetResume(ctx context.Context, id string) (domain.ResumeDocument, bool, error) {
	var model ResumeModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ResumeDocument{}, false, nil
		}
		return domain.ResumeDocument{}, false, err
	}
	return resumeFromModel(model), true, nil
}

// ListResumesByOwner returns the owner's uploads, newest first.
func (s *GormStore) ListResumesByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ResumeDocument, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var models []ResumeModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.ResumeDocument, 0, len(models))
	for _, m := range models {
		items = append(items, resumeFromModel(m))
	}
	return items, nil
}

// FindInFlightBySHA returns a non-terminal upload of the same bytes.
func (s *GormStore) FindInFlightBySHA(ctx context.Context, ownerID, sha256 string) (domain.ResumeDocument, bool, error) {
	var model ResumeModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND sha256 = ?", ownerID, sha256).
		Where("state NOT IN ?", []string{string(domain.StateParsed), string(domain.StateFailed)}).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ResumeDocument{}, false, nil
	}
	if err != nil {
		return domain.ResumeDocument{}, false, err
	}
	return resumeFromModel(model), true, nil
}

// Transition applies t only if the record is still in state from.
func (s *GormStore) Transition(ctx context.Context, id string, from domain.ResumeState, t Transition) (domain.ResumeDocument, error) {
	if err := checkTransition(from, t); err != nil {
		return domain.ResumeDocument{}, err
	}
	updates := map[string]any{
		"state":      string(t.To),
		"updated_at": time.Now().UTC(),
	}
	if t.To == domain.StateFailed {
		updates["error_code"] = string(t.ErrorCode)
		updates["error_message"] = t.ErrorMessage
	}
	if t.TextRef != nil {
		updates["text_ref"] = *t.TextRef
	}
	if t.ScanAttempts != nil {
		updates["scan_attempts"] = *t.ScanAttempts
	}
	if t.ParseAttempts != nil {
		updates["parse_attempts"] = *t.ParseAttempts
	}

	var out ResumeModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ResumeModel{}).
			Where("id = ? AND state = ?", id, string(from)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.missOrStale(tx, id)
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return domain.ResumeDocument{}, err
	}
	return resumeFromModel(out), nil
}

// CommitParsed stores the profile and moves PARSING -> PARSED in one
// transaction.
func (s *GormStore) CommitParsed(ctx context.Context, id string, commit ParsedCommit) (domain.ResumeDocument, error) {
	profile, err := profileToModel(commit.Profile)
	if err != nil {
		return domain.ResumeDocument{}, err
	}
	parsedAt := commit.ParsedAt.UTC()
	confidence := commit.Confidence

	var out ResumeModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ResumeModel{}).
			Where("id = ? AND state = ?", id, string(domain.StateParsing)).
			Updates(map[string]any{
				"state":            string(domain.StateParsed),
				"result_ref":       profile.ID,
				"parse_confidence": confidence,
				"parsed_at":        parsedAt,
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.missOrStale(tx, id)
		}
		if err := tx.Create(&profile).Error; err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return tx.First(&out, "id = ?", id).Error
	})
	if err != nil {
		return domain.ResumeDocument{}, err
	}
	return resumeFromModel(out), nil
}

func (s *GormStore) missOrStale(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&ResumeModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleState
}

// GetProfile loads an extracted profile by id.
func (s *GormStore) GetProfile(ctx context.Context, id string) (domain.ExtractedProfile, bool, error) {
	var model ProfileModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ExtractedProfile{}, false, nil
		}
		return domain.ExtractedProfile{}, false, err
	}
	profile, err := profileFromModel(model)
	if err != nil {
		return domain.ExtractedProfile{}, false, err
	}
	return profile, true, nil
}

// UpdateActivePointer upserts the user's pointer unless the stored pointer
// references a resume submitted later. It reports whether the row changed.
func (s *GormStore) UpdateActivePointer(ctx context.Context, ptr domain.ActiveResumePointer) (bool, error) {
	model := ActivePointerModel{
		UserID:      ptr.UserID,
		ResumeID:    ptr.ResumeID,
		SubmittedAt: ptr.SubmittedAt.UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"resume_id", "submitted_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "active_resume_pointers.submitted_at <= excluded.submitted_at"},
		}},
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetActivePointer reads the user's pointer.
func (s *GormStore) GetActivePointer(ctx context.Context, userID string) (domain.ActiveResumePointer, bool, error) {
	var model ActivePointerModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ActiveResumePointer{}, false, nil
		}
		return domain.ActiveResumePointer{}, false, err
	}
	return domain.ActiveResumePointer{
		UserID:      model.UserID,
		ResumeID:    model.ResumeID,
		SubmittedAt: model.SubmittedAt,
		UpdatedAt:   model.UpdatedAt,
	}, true, nil
}

// SaveOverride upserts one (user, field) override.
func (s *GormStore) SaveOverride(ctx context.Context, o domain.ProfileOverride) error {
	items, err := json.Marshal(nonNil(o.Items))
	if err != nil {
		return err
	}
	model := OverrideModel{
		UserID:     o.UserID,
		Field:      o.Field,
		Text:       o.Text,
		Items:      datatypes.JSON(items),
		Confidence: o.Confidence,
		Source:     o.Source,
		UpdatedAt:  o.UpdatedAt.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "items", "confidence", "source", "updated_at"}),
	}).Create(&model).Error
}

// ListOverrides returns the user's overrides ordered by field.
func (s *GormStore) ListOverrides(ctx context.Context, userID string) ([]domain.ProfileOverride, error) {
	var models []OverrideModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("field ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ProfileOverride, 0, len(models))
	for _, m := range models {
		o := domain.ProfileOverride{
			UserID:     m.UserID,
			Field:      m.Field,
			Text:       m.Text,
			Confidence: m.Confidence,
			Source:     m.Source,
			UpdatedAt:  m.UpdatedAt,
		}
		if len(m.Items) > 0 {
			if err := json.Unmarshal(m.Items, &o.Items); err != nil {
				return nil, fmt.Errorf("decode override items: %w", err)
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func resumeToModel(d domain.ResumeDocument) ResumeModel {
	return ResumeModel{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		ContentRef:       d.ContentRef,
		OriginalFilename: d.OriginalFilename,
		MimeType:         d.MimeType,
		ByteSize:         d.ByteSize,
		SHA256:           d.SHA256,
		State:            string(d.State),
		ErrorCode:        string(d.ErrorCode),
		ErrorMessage:     d.ErrorMessage,
		TextRef:          d.TextRef,
		ResultRef:        d.ResultRef,
		ScanAttempts:     d.ScanAttempts,
		ParseAttempts:    d.ParseAttempts,
		ParseConfidence:  d.ParseConfidence,
		ParsedAt:         d.ParsedAt,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func resumeFromModel(m ResumeModel) domain.ResumeDocument {
	return domain.ResumeDocument{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		ContentRef:       m.ContentRef,
		OriginalFilename: m.OriginalFilename,
		MimeType:         m.MimeType,
		ByteSize:         m.ByteSize,
		SHA256:           m.SHA256,
		State:            domain.ResumeState(m.State),
		ErrorCode:        domain.ErrorCode(m.ErrorCode),
		ErrorMessage:     m.ErrorMessage,
		TextRef:          m.TextRef,
		ResultRef:        m.ResultRef,
		ScanAttempts:     m.ScanAttempts,
		ParseAttempts:    m.ParseAttempts,
		ParseConfidence:  m.ParseConfidence,
		ParsedAt:         m.ParsedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func profileToModel(p domain.ExtractedProfile) (ProfileModel, error) {
	model := ProfileModel{
		ID:        p.ID,
		ResumeID:  p.ResumeID,
		OwnerID:   p.OwnerID,
		Headline:  p.Headline,
		Summary:   p.Summary,
		CreatedAt: p.CreatedAt.UTC(),
	}
	fields := []struct {
		dst *datatypes.JSON
		src any
	}{
		{&model.Skills, nonNil(p.Skills)},
		{&model.Titles, nonNil(p.Titles)},
		{&model.Experience, nonNil(p.Experience)},
		{&model.Education, nonNil(p.Education)},
		{&model.Industries, nonNil(p.Industries)},
		{&model.Keywords, nonNil(p.Keywords)},
		{&model.Confidence, p.Confidence},
	}
	for _, f := range fields {
		raw, err := json.Marshal(f.src)
		if err != nil {
			return ProfileModel{}, fmt.Errorf("encode profile: %w", err)
		}
		*f.dst = datatypes.JSON(raw)
	}
	if len(p.SkillVector) > 0 {
		vec := pgvector.NewVector(p.SkillVector)
		model.SkillVector = &vec
	}
	return model, nil
}

func profileFromModel(m ProfileModel) (domain.ExtractedProfile, error) {
	p := domain.ExtractedProfile{
		ID:        m.ID,
		ResumeID:  m.ResumeID,
		OwnerID:   m.OwnerID,
		Headline:  m.Headline,
		Summary:   m.Summary,
		CreatedAt: m.CreatedAt,
	}
	fields := []struct {
		src datatypes.JSON
		dst any
	}{
		{m.Skills, &p.Skills},
		{m.Titles, &p.Titles},
		{m.Experience, &p.Experience},
		{m.Education, &p.Education},
		{m.Industries, &p.Industries},
		{m.Keywords, &p.Keywords},
		{m.Confidence, &p.Confidence},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return domain.ExtractedProfile{}, fmt.Errorf("decode profile: %w", err)
		}
	}
	if m.SkillVector != nil {
		p.SkillVector = m.SkillVector.Slice()
	}
	return p, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
