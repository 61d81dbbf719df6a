package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"meetra/internal/ratelimit"
	"meetra/internal/servicetoken"
	"meetra/internal/usertoken"
	"meetra/pkg/domain"
	"meetra/pkg/extract"
	"meetra/pkg/fields"
	"meetra/pkg/queue"
	"meetra/pkg/scan"
	"meetra/pkg/storage"
	"meetra/pkg/store"
	"meetra/services/resume/internal/app"
)

// bearerSubject treats the bearer token itself as the owner id.
type bearerSubject struct{}

func (bearerSubject) SubjectFromRequest(r *http.Request) (string, error) {
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		return "", usertoken.ErrMissingToken
	}
	return token, nil
}

type staticCaller struct{}

func (staticCaller) VerifyRequest(r *http.Request) (servicetoken.Caller, error) {
	if r.Header.Get("Authorization") != "Bearer svc" {
		return servicetoken.Caller{}, servicetoken.ErrTokenRequired
	}
	return servicetoken.Caller{Service: "matcher"}, nil
}

type nopQueue struct{}

func (nopQueue) Enqueue(_ context.Context, resumeID string) (queue.Job, error) {
	return queue.Job{ID: "job-" + resumeID, ResumeID: resumeID}, nil
}

type fixture struct {
	app    *app.App
	server *Server
	redis  *redis.Client
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, maxUpload int64, limiter Limiter) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	leases, err := queue.NewRedisLease(client, "test:lease")
	if err != nil {
		t.Fatalf("new lease: %v", err)
	}
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	fieldExtractor, err := fields.New(fields.Options{})
	if err != nil {
		t.Fatalf("new field extractor: %v", err)
	}
	core, err := app.New(app.Config{
		Store:          store.NewMemoryStore(),
		Objects:        objects,
		Scanner:        scan.NewSignatureScanner(scan.SignatureOptions{}),
		Extractor:      extract.New(extract.Options{}),
		Fields:         fieldExtractor,
		Queue:          nopQueue{},
		Leases:         leases,
		MaxUploadBytes: maxUpload,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	logs := &bytes.Buffer{}
	srv, err := New(Config{
		App:           core,
		Users:         bearerSubject{},
		Internal:      staticCaller{},
		SubmitLimiter: limiter,
		Logger:        slog.New(slog.NewJSONHandler(logs, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{app: core, server: srv, redis: client, logs: logs}
}

// securityEvents returns the decoded audit lines for event.
func (f *fixture) securityEvents(t *testing.T, event string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(f.logs.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["msg"] == "security_event" && entry["event"] == event {
			out = append(out, entry)
		}
	}
	return out
}

func newRequest(method, path, token string, body io.Reader, contentType string) *http.Request {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	return f.serve(newRequest(method, path, token, body, contentType))
}

func (f *fixture) upload(t *testing.T, owner, filename, mimeType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return f.serve(uploadRequest(t, owner, filename, mimeType, data))
}

func uploadRequest(t *testing.T, owner, filename, mimeType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return newRequest(http.MethodPost, "/api/resumes", owner, &body, mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code domain.ErrorCode) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[map[string]string](t, rec)
	if body["code"] != string(code) {
		t.Fatalf("code = %q, want %q", body["code"], code)
	}
}

func docx(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestSubmitAndPollUntilParsed(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.upload(t, "u1", "cv.docx", domain.MimeDOCX, docx(t, "Skills: Python, FastAPI"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[statusResponse](t, rec)
	if created.State != domain.StateUploaded || created.ProgressStage != "uploaded" {
		t.Fatalf("unexpected submit response %+v", created)
	}

	for i := 0; i < 10; i++ {
		done, err := f.app.Advance(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if done {
			break
		}
	}

	rec = f.do(t, http.MethodGet, "/api/resumes/"+created.ID, "u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	status := decode[statusResponse](t, rec)
	if status.State != domain.StateParsed || status.ResultRef == "" || status.ParsedAt == nil {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = f.do(t, http.MethodGet, "/api/profiles/active", "u1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("active profile code = %d", rec.Code)
	}
	active := decode[app.ActiveProfile](t, rec)
	if active.ResumeID != created.ID || len(active.Profile.Skills) != 2 {
		t.Fatalf("unexpected active profile %+v", active)
	}

	rec = f.do(t, http.MethodGet, "/internal/profiles/u1/active", "svc", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("internal active profile code = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/internal/profiles/u1/active", "u1", nil, "")
	expectError(t, rec, http.StatusUnauthorized, codeUnauthorized)

	rec = f.do(t, http.MethodGet, "/api/resumes", "u1", nil, "")
	list := decode[map[string]any](t, rec)
	if list["count"] != float64(1) {
		t.Fatalf("list = %v", list)
	}
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, 1024, nil)

	rec := f.upload(t, "u1", "photo.png", "image/png", []byte("\x89PNG\r\n\x1a\n"))
	expectError(t, rec, http.StatusUnprocessableEntity, domain.CodeUnsupportedFormat)

	rec = f.upload(t, "u1", "cv.pdf", domain.MimePDF, nil)
	expectError(t, rec, http.StatusUnprocessableEntity, domain.CodeEmptyFile)

	big := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 4096)...)
	rec = f.upload(t, "u1", "cv.pdf", domain.MimePDF, big)
	expectError(t, rec, http.StatusRequestEntityTooLarge, domain.CodePayloadTooLarge)

	data := []byte("%PDF-1.4\nsmall")
	if rec = f.upload(t, "u1", "cv.pdf", domain.MimePDF, data); rec.Code != http.StatusAccepted {
		t.Fatalf("first upload = %d", rec.Code)
	}
	rec = f.upload(t, "u1", "cv.pdf", domain.MimePDF, data)
	expectError(t, rec, http.StatusConflict, domain.CodeDuplicateResume)

	rec = f.do(t, http.MethodPost, "/api/resumes", "u1", strings.NewReader("not multipart"), "text/plain")
	expectError(t, rec, http.StatusBadRequest, domain.CodeValidation)
}

func TestGenericPartTypeFallsBackToExtension(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.upload(t, "u1", "cv.docx", "application/octet-stream", docx(t, "Skills: Go"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[statusResponse](t, rec); got.MimeType != domain.MimeDOCX {
		t.Fatalf("mime = %q", got.MimeType)
	}
}

func TestStatusIsScopedToOwner(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.upload(t, "u1", "cv.docx", domain.MimeDOCX, docx(t, "Skills: Go"))
	created := decode[statusResponse](t, rec)

	rec = f.do(t, http.MethodGet, "/api/resumes/"+created.ID, "u2", nil, "")
	expectError(t, rec, http.StatusNotFound, domain.CodeNotFound)

	rec = f.do(t, http.MethodGet, "/api/resumes/latest", "u2", nil, "")
	expectError(t, rec, http.StatusNotFound, domain.CodeNotFound)

	rec = f.do(t, http.MethodGet, "/api/resumes/not-a-resume-id", "u1", nil, "")
	expectError(t, rec, http.StatusNotFound, domain.CodeNotFound)

	rec = f.do(t, http.MethodGet, "/api/profiles/active", "u1", nil, "")
	expectError(t, rec, http.StatusNotFound, domain.CodeNotFound)
}

func TestRequiresUserToken(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.do(t, http.MethodGet, "/api/resumes", "", nil, "")
	expectError(t, rec, http.StatusUnauthorized, codeUnauthorized)

	rec = f.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestSubmitAuditCarriesRequestID(t *testing.T) {
	f := newFixture(t, 0, nil)
	req := uploadRequest(t, "u1", "cv.docx", domain.MimeDOCX, docx(t, "Skills: Go"))
	req.Header.Set("X-Request-Id", "poller-7.submit")
	req.RemoteAddr = "198.51.100.4:5120"
	rec := f.serve(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Request-Id"); got != "poller-7.submit" {
		t.Fatalf("response request id = %q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing: %v", rec.Header())
	}

	events := f.securityEvents(t, "resume.submit")
	if len(events) != 1 {
		t.Fatalf("submit audit events = %v", events)
	}
	ev := events[0]
	if ev["request_id"] != "poller-7.submit" || ev["outcome"] != "success" || ev["owner_id"] != "u1" {
		t.Fatalf("unexpected audit entry %v", ev)
	}
	if ev["ip"] != "198.51.100.4" || ev["resume_id"] == nil {
		t.Fatalf("unexpected audit entry %v", ev)
	}
}

func TestInjectedRequestIDIsReplaced(t *testing.T) {
	f := newFixture(t, 0, nil)
	req := newRequest(http.MethodGet, "/api/resumes", "u1", nil, "")
	req.Header.Set("X-Request-Id", "evil\r\nid with spaces")
	rec := f.serve(req)
	got := rec.Header().Get("X-Request-Id")
	if got == "" || strings.ContainsAny(got, " \r\n") {
		t.Fatalf("request id not replaced: %q", got)
	}
}

func TestInternalProfileAuditsCaller(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.do(t, http.MethodGet, "/internal/profiles/u9/active", "svc", nil, "")
	expectError(t, rec, http.StatusNotFound, domain.CodeNotFound)

	events := f.securityEvents(t, "resume.internal.active_profile")
	if len(events) != 1 {
		t.Fatalf("internal audit events = %v", events)
	}
	if ev := events[0]; ev["caller"] != "matcher" || ev["owner_id"] != "u9" || ev["outcome"] != "fail" || ev["request_id"] == "" {
		t.Fatalf("unexpected audit entry %v", ev)
	}
}

func TestSubmitRateLimitPerOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "test:submit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	f := newFixture(t, 0, limiter)

	if rec := f.upload(t, "u1", "a.docx", domain.MimeDOCX, docx(t, "Skills: Go")); rec.Code != http.StatusAccepted {
		t.Fatalf("first upload = %d", rec.Code)
	}
	rec := f.upload(t, "u1", "b.docx", domain.MimeDOCX, docx(t, "Skills: Rust"))
	expectError(t, rec, http.StatusTooManyRequests, domain.CodeRateLimited)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After missing")
	}
	if rec := f.upload(t, "u2", "c.docx", domain.MimeDOCX, docx(t, "Skills: Go")); rec.Code != http.StatusAccepted {
		t.Fatalf("other owner should not share the quota, got %d", rec.Code)
	}
}

func TestOverridesEndpoint(t *testing.T) {
	f := newFixture(t, 0, nil)
	rec := f.do(t, http.MethodPut, "/api/profiles/active/overrides", "u1",
		strings.NewReader(`{"overrides":[{"field":"education","items":["x"]}]}`), "application/json")
	expectError(t, rec, http.StatusBadRequest, domain.CodeValidation)

	rec = f.do(t, http.MethodPut, "/api/profiles/active/overrides", "u1",
		strings.NewReader(`{"overrides":[{"field":"headline","text":"Backend Engineer"}]}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("overrides = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPut, "/api/profiles/active/overrides", "u1", strings.NewReader(`{`), "application/json")
	expectError(t, rec, http.StatusBadRequest, domain.CodeValidation)
}
