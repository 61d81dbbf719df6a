package scan

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

const signatureEngine = "signature"

var eicar = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

// PDF name objects that trigger code execution or carry embedded payloads.
var pdfActiveNames = []string{"/JavaScript", "/JS", "/Launch", "/EmbeddedFile"}

// SignatureOptions bounds archive inspection.
type SignatureOptions struct {
	MaxExpandedBytes int64
	MaxRatio         float64
	MaxEntries       int
}

// SignatureScanner is the in-process default. It rejects the EICAR test
// string, active PDF content, macro-enabled Office packages and zip bombs.
type SignatureScanner struct {
	opts SignatureOptions
}

func NewSignatureScanner(opts SignatureOptions) *SignatureScanner {
	if opts.MaxExpandedBytes <= 0 {
		opts.MaxExpandedBytes = 100 << 20
	}
	if opts.MaxRatio <= 0 {
		opts.MaxRatio = 100
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 2000
	}
	return &SignatureScanner{opts: opts}
}

func (s *SignatureScanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, unavailable("scan cancelled: %v", err)
	}
	if bytes.Contains(data, eicar) {
		return Rejected(signatureEngine, "EICAR test signature"), nil
	}
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		if name, ok := findPDFActiveName(data); ok {
			return Rejected(signatureEngine, "pdf active content "+name), nil
		}
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		if reason := s.inspectZip(data); reason != "" {
			return Rejected(signatureEngine, reason), nil
		}
	}
	return Clean(signatureEngine), nil
}

// findPDFActiveName matches whole PDF names, so /JS does not hit /JSON.
func findPDFActiveName(data []byte) (string, bool) {
	for _, name := range pdfActiveNames {
		needle := []byte(name)
		rest := data
		for {
			idx := bytes.Index(rest, needle)
			if idx < 0 {
				break
			}
			end := idx + len(needle)
			if end >= len(rest) || !isPDFNameChar(rest[end]) {
				return name, true
			}
			rest = rest[end:]
		}
	}
	return "", false
}

func isPDFNameChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_' || b == '-' || b == '.'
}

func (s *SignatureScanner) inspectZip(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// Not a readable archive; the extractor reports it.
		return ""
	}
	if len(zr.File) > s.opts.MaxEntries {
		return fmt.Sprintf("archive has %d entries", len(zr.File))
	}
	var expanded uint64
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, "vbaproject.bin") || strings.HasSuffix(name, "vbadata.xml") {
			return "macro payload " + f.Name
		}
		if strings.HasSuffix(name, ".exe") || strings.HasSuffix(name, ".dll") || strings.HasSuffix(name, ".js") {
			return "embedded executable " + f.Name
		}
		if f.CompressedSize64 > 0 && float64(f.UncompressedSize64)/float64(f.CompressedSize64) > s.opts.MaxRatio {
			return "compression ratio exceeds limit in " + f.Name
		}
		expanded += f.UncompressedSize64
		if expanded > uint64(s.opts.MaxExpandedBytes) {
			return "expanded size exceeds limit"
		}
		if name == "[content_types].xml" && contentTypesDeclareMacros(f) {
			return "macro-enabled document"
		}
	}
	return ""
}

func contentTypesDeclareMacros(f *zip.File) bool {
	rc, err := f.Open()
	if err != nil {
		return false
	}
	defer rc.Close()
	raw, _ := io.ReadAll(io.LimitReader(rc, 64<<10))
	body := strings.ToLower(string(raw))
	return strings.Contains(body, "macroenabled") || strings.Contains(body, "vbaproject")
}
