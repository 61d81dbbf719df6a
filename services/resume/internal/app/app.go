package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meetra/pkg/domain"
	"meetra/pkg/events"
	"meetra/pkg/extract"
	"meetra/pkg/queue"
	"meetra/pkg/scan"
	"meetra/pkg/storage"
	"meetra/pkg/store"
)

// DefaultMaxUploadBytes is the submission byte ceiling.
const DefaultMaxUploadBytes int64 = 10 << 20

// Enqueuer schedules the next stage of a resume.
type Enqueuer interface {
	Enqueue(ctx context.Context, resumeID string) (queue.Job, error)
}

// Leaser grants the per-resume exclusive lease.
type Leaser interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (*queue.Lease, error)
}

// TextExtractor turns document bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (extract.Result, error)
}

// FieldExtractor turns text into a structured profile.
type FieldExtractor interface {
	Extract(text string) (domain.ExtractedProfile, error)
}

// Config wires the pipeline dependencies.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Scanner        scan.Scanner
	Extractor      TextExtractor
	Fields         FieldExtractor
	Queue          Enqueuer
	Leases         Leaser
	Events         events.Publisher
	Policy         Policy
	MaxUploadBytes int64
	Logger         *slog.Logger
	// Sleep waits between scan attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// App is the resume pipeline: submission, stage advancement, status and the
// active-resume resolver.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	scanner        scan.Scanner
	extractor      TextExtractor
	fields         FieldExtractor
	queue          Enqueuer
	leases         Leaser
	events         events.Publisher
	policy         Policy
	maxUploadBytes int64
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
}

// New validates cfg and constructs the pipeline.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("record store required")
	case cfg.Objects == nil:
		return nil, errors.New("document store required")
	case cfg.Scanner == nil:
		return nil, errors.New("scanner required")
	case cfg.Extractor == nil:
		return nil, errors.New("text extractor required")
	case cfg.Fields == nil:
		return nil, errors.New("field extractor required")
	case cfg.Queue == nil:
		return nil, errors.New("queue required")
	case cfg.Leases == nil:
		return nil, errors.New("lease manager required")
	}
	a := &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		scanner:        cfg.Scanner,
		extractor:      cfg.Extractor,
		fields:         cfg.Fields,
		queue:          cfg.Queue,
		leases:         cfg.Leases,
		events:         cfg.Events,
		policy:         cfg.Policy.withDefaults(),
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         cfg.Logger,
		sleep:          cfg.Sleep,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if a.events == nil {
		a.events = events.Noop{}
	}
	if a.maxUploadBytes <= 0 {
		a.maxUploadBytes = DefaultMaxUploadBytes
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}
	return a, nil
}

// MaxUploadBytes is the configured submission ceiling.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
