package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meetra/internal/util"
	"meetra/pkg/domain"
)

// onParsed points the owner at doc unless a later submission is already
// active. Submission time, not completion time, decides.
func (a *App) onParsed(ctx context.Context, doc domain.ResumeDocument) error {
	moved, err := a.store.UpdateActivePointer(ctx, domain.ActiveResumePointer{
		UserID:      doc.OwnerID,
		ResumeID:    doc.ID,
		SubmittedAt: doc.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("update active resume: %w", err)
	}
	util.LoggerFromContext(ctx).Info("active resume resolved", "resume_id", doc.ID, "owner_id", doc.OwnerID, "moved", moved)
	return nil
}

// onFailed leaves the active pointer alone so the last good resume stays
// in use.
func (a *App) onFailed(ctx context.Context, doc domain.ResumeDocument) {
	util.LoggerFromContext(ctx).Info("resume failed; active resume unchanged",
		"resume_id", doc.ID, "owner_id", doc.OwnerID, "code", doc.ErrorCode)
}

// ActiveProfile is the owner's current profile for matching.
type ActiveProfile struct {
	ResumeID    string                   `json:"resumeId"`
	SubmittedAt time.Time                `json:"submittedAt"`
	Profile     domain.ExtractedProfile  `json:"profile"`
	Overrides   []domain.ProfileOverride `json:"overrides"`
	// Effective is Profile with the overrides applied.
	Effective domain.ExtractedProfile `json:"effective"`
}

// ActiveProfile returns the profile of the owner's active resume.
func (a *App) ActiveProfile(ctx context.Context, ownerID string) (ActiveProfile, error) {
	ptr, ok, err := a.store.GetActivePointer(ctx, ownerID)
	if err != nil {
		return ActiveProfile{}, err
	}
	if !ok {
		return ActiveProfile{}, notFound("active resume")
	}
	doc, ok, err := a.store.GetResume(ctx, ptr.ResumeID)
	if err != nil {
		return ActiveProfile{}, err
	}
	if !ok || doc.ResultRef == "" {
		return ActiveProfile{}, notFound("active profile")
	}
	profile, ok, err := a.store.GetProfile(ctx, doc.ResultRef)
	if err != nil {
		return ActiveProfile{}, err
	}
	if !ok {
		return ActiveProfile{}, notFound("active profile")
	}
	overrides, err := a.store.ListOverrides(ctx, ownerID)
	if err != nil {
		return ActiveProfile{}, err
	}
	return ActiveProfile{
		ResumeID:    ptr.ResumeID,
		SubmittedAt: ptr.SubmittedAt,
		Profile:     profile,
		Overrides:   overrides,
		Effective:   applyOverrides(profile, overrides),
	}, nil
}

// OverrideInput is one caller correction.
type OverrideInput struct {
	Field string   `json:"field"`
	Text  string   `json:"text,omitempty"`
	Items []string `json:"items,omitempty"`
}

// SetOverrides records caller corrections. The extracted profile itself is
// never modified.
func (a *App) SetOverrides(ctx context.Context, ownerID string, inputs []OverrideInput) ([]domain.ProfileOverride, error) {
	if len(inputs) == 0 {
		return nil, newError(domain.CodeValidation, "at least one override required")
	}
	now := a.now()
	out := make([]domain.ProfileOverride, 0, len(inputs))
	for _, in := range inputs {
		field := strings.TrimSpace(in.Field)
		if !domain.IsEditableField(field) {
			return nil, newError(domain.CodeValidation, "field %q is not editable", in.Field)
		}
		o := domain.ProfileOverride{
			UserID:     ownerID,
			Field:      field,
			Confidence: 1.0,
			Source:     domain.OverrideSourceUserConfirmed,
			UpdatedAt:  now,
		}
		switch field {
		case "headline", "summary":
			o.Text = strings.TrimSpace(in.Text)
			if o.Text == "" {
				return nil, newError(domain.CodeValidation, "field %q requires text", field)
			}
		default:
			for _, item := range in.Items {
				if item = strings.TrimSpace(item); item != "" {
					o.Items = append(o.Items, item)
				}
			}
			if len(o.Items) == 0 {
				return nil, newError(domain.CodeValidation, "field %q requires items", field)
			}
		}
		out = append(out, o)
	}
	for _, o := range out {
		if err := a.store.SaveOverride(ctx, o); err != nil {
			return nil, fmt.Errorf("save override %s: %w", o.Field, err)
		}
	}
	return out, nil
}

func applyOverrides(p domain.ExtractedProfile, overrides []domain.ProfileOverride) domain.ExtractedProfile {
	if len(overrides) == 0 {
		return p
	}
	conf := make(map[string]float64, len(p.Confidence))
	for k, v := range p.Confidence {
		conf[k] = v
	}
	p.Confidence = conf
	for _, o := range overrides {
		switch o.Field {
		case "headline":
			p.Headline = o.Text
		case "summary":
			p.Summary = o.Text
		case "skills":
			p.Skills = make([]domain.SkillEntry, 0, len(o.Items))
			for _, item := range o.Items {
				p.Skills = append(p.Skills, domain.SkillEntry{Value: item, Confidence: o.Confidence})
			}
		case "titles":
			p.Titles = make([]domain.TitleEntry, 0, len(o.Items))
			for _, item := range o.Items {
				p.Titles = append(p.Titles, domain.TitleEntry{Value: item, Confidence: o.Confidence})
			}
		case "industries":
			p.Industries = append([]string(nil), o.Items...)
		default:
			continue
		}
		p.Confidence[o.Field] = o.Confidence
	}
	return p
}
