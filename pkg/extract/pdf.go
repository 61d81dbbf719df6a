package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	pages := reader.NumPage()
	if pages > e.opts.MaxPages {
		return Result{}, fmt.Errorf("%d pages exceeds limit %d", pages, e.opts.MaxPages)
	}

	if e.opts.UsePdftotext {
		if text, err := pdftotext(ctx, data); err == nil && strings.TrimSpace(text) != "" {
			return Result{Text: text, Pages: pages, Method: "pdftotext"}, nil
		}
	}

	var buf strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := pageText(page)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}
	return Result{Text: buf.String(), Pages: pages, Method: "pdf"}, nil
}

// pageText rebuilds lines from the page's text rows so section headings
// survive; GetPlainText is the fallback.
func pageText(page pdf.Page) (string, error) {
	rows, err := page.GetTextByRow()
	if err != nil || len(rows) == 0 {
		return page.GetPlainText(nil)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })
	var buf strings.Builder
	for _, row := range rows {
		prev := ""
		for _, piece := range row.Content {
			if needsSpace(prev, piece.S) {
				buf.WriteString(" ")
			}
			buf.WriteString(piece.S)
			prev = piece.S
		}
		buf.WriteString("\n")
	}
	return buf.String(), nil
}

// needsSpace joins kerning fragments of one word ("Py" + "thon") and
// separates everything else.
func needsSpace(prev, next string) bool {
	if prev == "" || next == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	if unicode.IsSpace(last) || unicode.IsSpace(first) {
		return false
	}
	return !(unicode.IsLetter(last) && unicode.IsLower(first))
}

// pdftotext uses the poppler tool when installed, reading from stdin.
func pdftotext(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", "-enc", "UTF-8", "-", "-")
	cmd.Stdin = bytes.NewReader(data)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	if len(output) == 0 {
		return "", errors.New("pdftotext produced no text")
	}
	return string(output), nil
}
