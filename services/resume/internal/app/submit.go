package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"meetra/internal/util"
	"meetra/pkg/domain"
	"meetra/pkg/extract"
	"meetra/pkg/store"
)

const maxFilenameLen = 200

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SubmitRequest is one upload.
type SubmitRequest struct {
	OwnerID  string
	Filename string
	MimeType string
	Data     []byte
}

// Submit validates and stores an upload, creates its record in UPLOADED and
// schedules the first stage. It never waits for processing.
func (a *App) Submit(ctx context.Context, req SubmitRequest) (domain.ResumeDocument, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return domain.ResumeDocument{}, newError(domain.CodeValidation, "owner id required")
	}
	mimeType := normalizeMime(req.MimeType)
	if mimeType != domain.MimePDF && mimeType != domain.MimeDOCX {
		return domain.ResumeDocument{}, newError(domain.CodeUnsupportedFormat, "unsupported mime type %q", req.MimeType)
	}
	if len(req.Data) == 0 {
		return domain.ResumeDocument{}, newError(domain.CodeEmptyFile, "file is empty")
	}
	if int64(len(req.Data)) > a.maxUploadBytes {
		return domain.ResumeDocument{}, newError(domain.CodePayloadTooLarge, "file exceeds %d bytes", a.maxUploadBytes)
	}
	if err := checkContentType(req.Filename, mimeType, req.Data); err != nil {
		return domain.ResumeDocument{}, err
	}

	sum := sha256.Sum256(req.Data)
	digest := hex.EncodeToString(sum[:])
	if existing, found, err := a.store.FindInFlightBySHA(ctx, ownerID, digest); err != nil {
		return domain.ResumeDocument{}, err
	} else if found {
		return domain.ResumeDocument{}, newError(domain.CodeDuplicateResume, "identical resume %s is still processing", existing.ID)
	}

	now := a.now()
	doc := domain.ResumeDocument{
		ID:               util.NewUUID(),
		OwnerID:          ownerID,
		OriginalFilename: sanitizeFilename(req.Filename),
		MimeType:         mimeType,
		ByteSize:         int64(len(req.Data)),
		SHA256:           digest,
		State:            domain.StateUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	doc.ContentRef = contentKey(doc)
	logger := util.LoggerFromContext(ctx).With("resume_id", doc.ID, "owner_id", ownerID)

	if err := a.objects.Put(ctx, doc.ContentRef, bytes.NewReader(req.Data), doc.ByteSize, mimeType); err != nil {
		logger.Error("resume bytes write failed", "err", err)
		return domain.ResumeDocument{}, wrapError(domain.CodeStorageWriteFailed, err, "could not store file")
	}
	if err := a.store.CreateResume(ctx, doc); err != nil {
		// No record references the object, so it is safe to drop.
		if derr := a.objects.Delete(context.WithoutCancel(ctx), doc.ContentRef); derr != nil {
			logger.Warn("orphan resume bytes not removed", "key", doc.ContentRef, "err", derr)
		}
		if errors.Is(err, store.ErrDuplicateInFlight) {
			return domain.ResumeDocument{}, newError(domain.CodeDuplicateResume, "identical resume is still processing")
		}
		return domain.ResumeDocument{}, err
	}

	if _, err := a.queue.Enqueue(ctx, doc.ID); err != nil {
		logger.Error("resume enqueue failed", "err", err)
		failed, terr := a.store.Transition(context.WithoutCancel(ctx), doc.ID, domain.StateUploaded, store.Transition{
			To:           domain.StateFailed,
			ErrorCode:    domain.CodeQueueError,
			ErrorMessage: "could not schedule processing",
		})
		if terr != nil {
			logger.Error("mark queue failure", "err", terr)
		} else {
			a.publish(context.WithoutCancel(ctx), failed)
		}
		return domain.ResumeDocument{}, wrapError(domain.CodeQueueError, err, "could not schedule processing")
	}
	logger.Info("resume submitted", "mime_type", mimeType, "byte_size", doc.ByteSize)
	return doc, nil
}

func normalizeMime(raw string) string {
	raw = strings.TrimSpace(raw)
	if mt, _, err := mime.ParseMediaType(raw); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(raw)
}

// checkContentType requires the extension (when a filename is given) and the
// leading magic bytes to agree with the declared mime type.
func checkContentType(filename, mimeType string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	switch mimeType {
	case domain.MimePDF:
		if ext != "" && ext != ".pdf" {
			return newError(domain.CodeUnsupportedFormat, "extension %s does not match %s", ext, mimeType)
		}
		if !extract.IsPDF(data) {
			return newError(domain.CodeUnsupportedFormat, "content is not a PDF document")
		}
	case domain.MimeDOCX:
		if ext != "" && ext != ".docx" {
			return newError(domain.CodeUnsupportedFormat, "extension %s does not match %s", ext, mimeType)
		}
		if !extract.IsZip(data) {
			return newError(domain.CodeUnsupportedFormat, "content is not a DOCX document")
		}
	}
	return nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	if name == "" {
		return "resume"
	}
	return name
}

func contentKey(doc domain.ResumeDocument) string {
	return "resumes/" + doc.OwnerID + "/" + doc.ID + "/" + doc.SHA256
}

func textKey(doc domain.ResumeDocument) string {
	return "texts/" + doc.OwnerID + "/" + doc.ID + ".txt"
}
