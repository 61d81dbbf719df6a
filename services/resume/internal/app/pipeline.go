package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"meetra/internal/util"
	"meetra/pkg/domain"
	"meetra/pkg/events"
	"meetra/pkg/queue"
	"meetra/pkg/scan"
	"meetra/pkg/storage"
	"meetra/pkg/store"
)

const maxErrorMessage = 2000

// Advance runs the next stage of a resume and commits its transition. It
// reports done once the resume is terminal. Calling it again never repeats a
// committed stage. A returned error means nothing was decided and the call
// should be retried later.
func (a *App) Advance(ctx context.Context, resumeID string) (bool, error) {
	doc, ok, err := a.store.GetResume(ctx, resumeID)
	if err != nil {
		return false, fmt.Errorf("load resume: %w", err)
	}
	if !ok {
		return true, notFound("resume")
	}
	switch doc.State {
	case domain.StateFailed:
		return true, nil
	case domain.StateParsed:
		// A crash between the commit and the pointer update lands here.
		return true, a.onParsed(ctx, doc)
	}

	lease, err := a.leases.Acquire(ctx, resumeID, a.policy.leaseTTL(doc.State))
	if err != nil {
		return false, err
	}
	logger := util.LoggerFromContext(ctx).With("resume_id", resumeID)
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, queue.ErrLeaseLost) {
			logger.Warn("lease release failed", "err", rerr)
		}
	}()

	// Reload under the lease; another worker may have moved it on.
	doc, ok, err = a.store.GetResume(ctx, resumeID)
	if err != nil {
		return false, fmt.Errorf("reload resume: %w", err)
	}
	if !ok {
		return true, notFound("resume")
	}
	from := doc.State

	switch {
	case doc.State == domain.StateUploaded || doc.State == domain.StateScanning:
		doc, err = a.runScan(ctx, logger, lease, doc)
	case doc.State == domain.StateScanned || (doc.State == domain.StateExtracting && doc.TextRef == ""):
		doc, err = a.runExtract(ctx, logger, doc)
	case doc.State == domain.StateExtracting || doc.State == domain.StateParsing:
		doc, err = a.runParse(ctx, logger, doc)
	case doc.State == domain.StateParsed:
		return true, a.onParsed(ctx, doc)
	default:
		return true, nil
	}
	if err != nil {
		return false, err
	}
	logger.Info("resume stage committed", "from", from, "to", doc.State)

	switch doc.State {
	case domain.StateParsed:
		a.publish(ctx, doc)
		return true, a.onParsed(ctx, doc)
	case domain.StateFailed:
		a.onFailed(ctx, doc)
		a.publish(ctx, doc)
		return true, nil
	}
	return false, nil
}

func (a *App) runScan(ctx context.Context, logger *slog.Logger, lease *queue.Lease, doc domain.ResumeDocument) (domain.ResumeDocument, error) {
	var err error
	if doc.State == domain.StateUploaded {
		if doc, err = a.store.Transition(ctx, doc.ID, domain.StateUploaded, store.Transition{To: domain.StateScanning}); err != nil {
			return doc, fmt.Errorf("enter scanning: %w", err)
		}
	}
	data, err := a.loadContent(ctx, doc)
	if err != nil {
		if code, permanent := contentFailure(err, domain.CodeScanUnavailable); permanent {
			return a.fail(ctx, doc, code, err.Error())
		}
		return doc, err
	}

	var lastErr error
	for doc.ScanAttempts < a.policy.ScanMaxAttempts {
		attempt := doc.ScanAttempts + 1
		if attempt > 1 {
			if err := a.sleep(ctx, a.policy.scanBackoff(attempt-1)); err != nil {
				return doc, err
			}
		}
		if err := lease.Extend(ctx, a.policy.leaseTTL(domain.StateScanning)); err != nil {
			return doc, err
		}
		if doc, err = a.store.Transition(ctx, doc.ID, domain.StateScanning, store.Transition{
			To:           domain.StateScanning,
			ScanAttempts: &attempt,
		}); err != nil {
			return doc, fmt.Errorf("record scan attempt: %w", err)
		}

		verdict, err := a.scanOnce(ctx, data)
		if err == nil {
			if !verdict.Clean {
				logger.Warn("resume rejected by scanner", "engine", verdict.Engine, "reason", verdict.Reason)
				return a.fail(ctx, doc, domain.CodeMalwareDetected, verdict.Reason)
			}
			return a.store.Transition(ctx, doc.ID, domain.StateScanning, store.Transition{To: domain.StateScanned})
		}
		if ctx.Err() != nil {
			return doc, ctx.Err()
		}
		lastErr = err
		logger.Warn("scan attempt failed", "attempt", attempt, "err", err)
	}
	msg := "scanner unavailable"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return a.fail(ctx, doc, domain.CodeScanUnavailable, msg)
}

func (a *App) scanOnce(ctx context.Context, data []byte) (scan.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, a.policy.ScanTimeout)
	defer cancel()
	type outcome struct {
		v   scan.Verdict
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: scanner panic: %v", scan.ErrUnavailable, r)}
			}
		}()
		v, err := a.scanner.Scan(ctx, data)
		done <- outcome{v, err}
	}()
	select {
	case <-ctx.Done():
		return scan.Verdict{}, fmt.Errorf("%w: %v", scan.ErrUnavailable, ctx.Err())
	case out := <-done:
		return out.v, out.err
	}
}

func (a *App) runExtract(ctx context.Context, logger *slog.Logger, doc domain.ResumeDocument) (domain.ResumeDocument, error) {
	var err error
	if doc.State == domain.StateScanned {
		if doc, err = a.store.Transition(ctx, doc.ID, domain.StateScanned, store.Transition{To: domain.StateExtracting}); err != nil {
			return doc, fmt.Errorf("enter extracting: %w", err)
		}
	}
	data, err := a.loadContent(ctx, doc)
	if err != nil {
		if code, permanent := contentFailure(err, domain.CodeExtractionFailed); permanent {
			return a.fail(ctx, doc, code, err.Error())
		}
		return doc, err
	}

	extractCtx, cancel := context.WithTimeout(ctx, a.policy.ExtractTimeout)
	res, err := a.extractor.Extract(extractCtx, data, doc.MimeType)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return doc, ctx.Err()
		}
		logger.Warn("text extraction failed", "err", err)
		return a.fail(ctx, doc, domain.CodeExtractionFailed, err.Error())
	}

	key := textKey(doc)
	text := []byte(res.Text)
	if err := a.objects.Put(ctx, key, bytes.NewReader(text), int64(len(text)), "text/plain; charset=utf-8"); err != nil {
		return doc, fmt.Errorf("store extracted text: %w", err)
	}
	logger.Info("text extracted", "method", res.Method, "pages", res.Pages, "chars", len(res.Text))
	return a.store.Transition(ctx, doc.ID, domain.StateExtracting, store.Transition{
		To:      domain.StateExtracting,
		TextRef: &key,
	})
}

func (a *App) runParse(ctx context.Context, logger *slog.Logger, doc domain.ResumeDocument) (domain.ResumeDocument, error) {
	var err error
	if doc.State == domain.StateExtracting {
		if doc, err = a.store.Transition(ctx, doc.ID, domain.StateExtracting, store.Transition{To: domain.StateParsing}); err != nil {
			return doc, fmt.Errorf("enter parsing: %w", err)
		}
	}
	raw, err := a.objects.Get(ctx, doc.TextRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return a.fail(ctx, doc, domain.CodeParsingFailed, "extracted text is missing")
		}
		return doc, fmt.Errorf("load extracted text: %w", err)
	}
	text := string(raw)

	lastErr := errors.New("parse attempts exhausted")
	for doc.ParseAttempts < a.policy.ParseMaxAttempts {
		attempt := doc.ParseAttempts + 1
		if doc, err = a.store.Transition(ctx, doc.ID, domain.StateParsing, store.Transition{
			To:            domain.StateParsing,
			ParseAttempts: &attempt,
		}); err != nil {
			return doc, fmt.Errorf("record parse attempt: %w", err)
		}
		profile, err := a.parseOnce(ctx, text)
		if err == nil {
			now := a.now()
			profile.ID = util.NewUUID()
			profile.ResumeID = doc.ID
			profile.OwnerID = doc.OwnerID
			profile.CreatedAt = now
			committed, cerr := a.store.CommitParsed(ctx, doc.ID, store.ParsedCommit{
				Profile:    profile,
				Confidence: math.Round(profile.ParseConfidence()*10000) / 10000,
				ParsedAt:   now,
			})
			if cerr != nil {
				return doc, fmt.Errorf("commit parsed profile: %w", cerr)
			}
			return committed, nil
		}
		if ctx.Err() != nil {
			return doc, ctx.Err()
		}
		lastErr = err
		logger.Warn("parse attempt failed", "attempt", attempt, "err", err)
	}
	return a.fail(ctx, doc, domain.CodeParsingFailed, lastErr.Error())
}

func (a *App) parseOnce(ctx context.Context, text string) (domain.ExtractedProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, a.policy.ParseTimeout)
	defer cancel()
	type outcome struct {
		p   domain.ExtractedProfile
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("field extractor panic: %v", r)}
			}
		}()
		p, err := a.fields.Extract(text)
		done <- outcome{p, err}
	}()
	select {
	case <-ctx.Done():
		return domain.ExtractedProfile{}, fmt.Errorf("field extraction: %w", ctx.Err())
	case out := <-done:
		return out.p, out.err
	}
}

var (
	errContentMissing  = errors.New("stored resume content is missing")
	errContentMismatch = errors.New("stored resume content does not match its upload hash")
)

// loadContent reads the uploaded bytes and checks them against the hash
// recorded at submission.
func (a *App) loadContent(ctx context.Context, doc domain.ResumeDocument) ([]byte, error) {
	data, err := a.objects.Get(ctx, doc.ContentRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errContentMissing
		}
		return nil, fmt.Errorf("load resume content: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != doc.SHA256 {
		return nil, errContentMismatch
	}
	return data, nil
}

// contentFailure maps permanent content problems onto a failure code.
func contentFailure(err error, missingCode domain.ErrorCode) (domain.ErrorCode, bool) {
	switch {
	case errors.Is(err, errContentMismatch):
		return domain.CodeMalwareDetected, true
	case errors.Is(err, errContentMissing):
		return missingCode, true
	default:
		return "", false
	}
}

func (a *App) fail(ctx context.Context, doc domain.ResumeDocument, code domain.ErrorCode, msg string) (domain.ResumeDocument, error) {
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	failed, err := a.store.Transition(ctx, doc.ID, doc.State, store.Transition{
		To:           domain.StateFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	if err != nil {
		return doc, fmt.Errorf("mark failed: %w", err)
	}
	return failed, nil
}

// HandleExhausted fails a resume whose stage job ran out of deliveries, so
// every accepted upload still ends in a terminal state.
func (a *App) HandleExhausted(ctx context.Context, job queue.Job, cause error) {
	logger := util.LoggerFromContext(ctx).With("resume_id", job.ResumeID, "job_id", job.ID)
	doc, ok, err := a.store.GetResume(ctx, job.ResumeID)
	if err != nil || !ok || doc.State.Terminal() {
		if err != nil {
			logger.Error("load exhausted resume", "err", err)
		}
		return
	}
	msg := "retries exhausted"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	failed, err := a.fail(ctx, doc, exhaustedCode(doc.State), msg)
	if err != nil {
		logger.Error("mark exhausted resume failed", "err", err)
		return
	}
	logger.Warn("resume failed after queue retries", "state", doc.State, "code", failed.ErrorCode)
	a.onFailed(ctx, failed)
	a.publish(ctx, failed)
}

func (a *App) publish(ctx context.Context, doc domain.ResumeDocument) {
	ev := events.Event{
		ResumeID:        doc.ID,
		OwnerID:         doc.OwnerID,
		State:           string(doc.State),
		ErrorCode:       string(doc.ErrorCode),
		ErrorMessage:    doc.ErrorMessage,
		ProfileID:       doc.ResultRef,
		ParseConfidence: doc.ParseConfidence,
		OccurredAt:      a.now(),
	}
	switch doc.State {
	case domain.StateParsed:
		ev.Type = events.TypeParsed
	case domain.StateFailed:
		ev.Type = events.TypeFailed
	default:
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.events.Publish(pubCtx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("completion event not published", "resume_id", doc.ID, "type", ev.Type, "err", err)
	}
}
