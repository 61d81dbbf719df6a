package app

import (
	"context"
	"strings"

	"meetra/internal/util"
	"meetra/pkg/domain"
)

// GetStatus returns a snapshot of one resume. Malformed ids and ids owned by
// someone else are reported as not found.
func (a *App) GetStatus(ctx context.Context, ownerID, resumeID string) (domain.ResumeDocument, error) {
	resumeID = strings.TrimSpace(resumeID)
	if !util.IsUUID(resumeID) {
		return domain.ResumeDocument{}, notFound("resume")
	}
	doc, ok, err := a.store.GetResume(ctx, resumeID)
	if err != nil {
		return domain.ResumeDocument{}, err
	}
	if !ok || doc.OwnerID != ownerID {
		return domain.ResumeDocument{}, notFound("resume")
	}
	return doc, nil
}

// ListResumes returns the owner's upload history, newest first.
func (a *App) ListResumes(ctx context.Context, ownerID string, limit int) ([]domain.ResumeDocument, error) {
	return a.store.ListResumesByOwner(ctx, ownerID, limit)
}

// LatestResume returns the owner's most recent upload in any state.
func (a *App) LatestResume(ctx context.Context, ownerID string) (domain.ResumeDocument, error) {
	docs, err := a.store.ListResumesByOwner(ctx, ownerID, 1)
	if err != nil {
		return domain.ResumeDocument{}, err
	}
	if len(docs) == 0 {
		return domain.ResumeDocument{}, notFound("resume")
	}
	return docs[0], nil
}
