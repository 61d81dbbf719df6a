package scan

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(body); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestSignatureScanner(t *testing.T) {
	s := NewSignatureScanner(SignatureOptions{})
	cases := []struct {
		name   string
		data   []byte
		clean  bool
		reason string
	}{
		{name: "plain pdf", data: []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj"), clean: true},
		{name: "pdf with json-like name", data: []byte("%PDF-1.4\n<< /JSON 1 >>"), clean: true},
		{name: "pdf javascript", data: []byte("%PDF-1.4\n<< /S /JavaScript /JS (app.alert(1)) >>"), reason: "/JavaScript"},
		{name: "pdf launch", data: []byte("%PDF-1.4\n<< /S /Launch /F (cmd.exe) >>"), reason: "/Launch"},
		{name: "eicar", data: append([]byte("%PDF-1.4\n"), eicar...), reason: "EICAR"},
		{name: "docx", data: buildZip(t, map[string][]byte{"word/document.xml": []byte("<w:document/>")}), clean: true},
		{name: "docm macro", data: buildZip(t, map[string][]byte{"word/vbaProject.bin": []byte("macro")}), reason: "macro payload"},
		{
			name: "macro content type",
			data: buildZip(t, map[string][]byte{
				"[Content_Types].xml": []byte(`<Types><Override ContentType="application/vnd.ms-word.document.macroEnabled.main+xml"/></Types>`),
			}),
			reason: "macro-enabled",
		},
		{name: "zip bomb ratio", data: buildZip(t, map[string][]byte{"word/document.xml": bytes.Repeat([]byte{0}, 4<<20)}), reason: "compression ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := s.Scan(context.Background(), tc.data)
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if v.Clean != tc.clean {
				t.Fatalf("clean=%v, want %v (reason %q)", v.Clean, tc.clean, v.Reason)
			}
			if !tc.clean && !strings.Contains(v.Reason, tc.reason) {
				t.Fatalf("reason %q does not mention %q", v.Reason, tc.reason)
			}
		})
	}
}

func TestSignatureScannerIsDeterministic(t *testing.T) {
	s := NewSignatureScanner(SignatureOptions{})
	data := []byte("%PDF-1.4\n<< /EmbeddedFile 3 0 R >>")
	first, _ := s.Scan(context.Background(), data)
	second, _ := s.Scan(context.Background(), data)
	if first != second {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if s, err := New(Config{}); err != nil {
		t.Fatalf("default backend: %v", err)
	} else if _, ok := s.(*SignatureScanner); !ok {
		t.Fatalf("expected signature scanner, got %T", s)
	}
	if _, err := New(Config{Backend: BackendClamd}); err == nil {
		t.Fatalf("clamd without address must fail")
	}
	if _, err := New(Config{Backend: "unknown"}); err == nil {
		t.Fatalf("unknown backend must fail")
	}
}
