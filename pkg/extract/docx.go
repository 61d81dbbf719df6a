package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"code.sajari.com/docconv"
)

const (
	docxMainPart   = "word/document.xml"
	ctxCheckTokens = 512
)

func (e *Extractor) extractDOCX(ctx context.Context, data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx: %w", err)
	}
	main := findZipFile(zr, docxMainPart)
	if main == nil {
		return Result{}, errors.New("docx has no word/document.xml")
	}
	if int64(main.UncompressedSize64) > e.opts.MaxXMLBytes {
		return Result{}, fmt.Errorf("document.xml is %d bytes, limit %d", main.UncompressedSize64, e.opts.MaxXMLBytes)
	}

	native, breaks, nativeErr := e.readDocumentXML(ctx, main)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	pages := docxPageCount(zr, breaks)
	if pages > e.opts.MaxPages {
		return Result{}, fmt.Errorf("%d pages exceeds limit %d", pages, e.opts.MaxPages)
	}

	text, _, convErr := docconv.ConvertDocx(bytes.NewReader(data))
	// docconv wins unless it lost line structure the native reader kept.
	if convErr == nil && strings.TrimSpace(text) != "" && lineCount(text) >= lineCount(native) {
		return Result{Text: text, Pages: pages, Method: "docconv"}, nil
	}
	if nativeErr != nil {
		if convErr != nil {
			return Result{}, fmt.Errorf("read docx: %v; docconv: %v", nativeErr, convErr)
		}
		return Result{}, nativeErr
	}
	return Result{Text: native, Pages: pages, Method: "docx-xml"}, nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

// readDocumentXML walks WordprocessingML keeping one line per paragraph and
// table cells separated by " | ". It also counts explicit page breaks.
func (e *Extractor) readDocumentXML(ctx context.Context, f *zip.File) (string, int, error) {
	rc, err := f.Open()
	if err != nil {
		return "", 0, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, e.opts.MaxXMLBytes))
	var (
		buf    strings.Builder
		line   strings.Builder
		inText bool
		tables int
		breaks int
	)
	flush := func() {
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line.String()), "|"))
		if s != "" {
			buf.WriteString(s)
			buf.WriteString("\n")
		}
		line.Reset()
	}
	for n := 0; ; n++ {
		if n%ctxCheckTokens == 0 {
			if err := ctx.Err(); err != nil {
				return "", 0, err
			}
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				line.WriteString("\t")
			case "tbl":
				tables++
			case "br", "cr":
				if attrValue(t, "type") == "page" {
					breaks++
				}
				flush()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if tables > 0 {
					line.WriteString(" ")
				} else {
					flush()
				}
			case "tc":
				line.WriteString(" | ")
			case "tr":
				flush()
			case "tbl":
				tables--
			}
		case xml.CharData:
			if inText {
				line.Write(t)
			}
		}
	}
	flush()
	return buf.String(), breaks, nil
}

func lineCount(s string) int {
	return strings.Count(strings.TrimSpace(s), "\n") + 1
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// docxPageCount prefers docProps/app.xml and falls back to explicit breaks.
func docxPageCount(zr *zip.Reader, breaks int) int {
	if f := findZipFile(zr, "docProps/app.xml"); f != nil {
		if rc, err := f.Open(); err == nil {
			defer rc.Close()
			var props struct {
				Pages string `xml:"Pages"`
			}
			if xml.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(&props) == nil {
				if n, err := strconv.Atoi(strings.TrimSpace(props.Pages)); err == nil && n > 0 {
					return n
				}
			}
		}
	}
	return breaks + 1
}
