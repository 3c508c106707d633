// Package pdfsplit turns an uploaded document into its ordered pages.
package pdfsplit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrEmptyDocument is returned for zero-byte uploads.
var ErrEmptyDocument = errors.New("document is empty")

func init() {
	// pdfcpu otherwise creates a config directory under the user's home.
	api.DisableConfigDir()
}

// Page is one extractable unit of a document.
type Page struct {
	Number int // 1-based
	// Data is a standalone document holding only this page. For single
	// page uploads it is the upload itself.
	Data []byte
}

// Split returns the pages of a document. PDFs yield one single-page PDF per
// page; every other file type is a single page.
func Split(fileName, mimeType string, data []byte) ([]Page, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}
	if !IsPDF(fileName, mimeType, data) {
		return []Page{{Number: 1, Data: data}}, nil
	}

	n, err := countPages(fileName, data)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return []Page{{Number: 1, Data: data}}, nil
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	spans, err := api.SplitRaw(bytes.NewReader(data), 1, conf)
	if err != nil {
		return nil, fmt.Errorf("split pdf %s: %w", fileName, err)
	}
	if len(spans) != n {
		return nil, fmt.Errorf("split pdf %s: expected %d pages, got %d", fileName, n, len(spans))
	}

	pages := make([]Page, n)
	for i, span := range spans {
		page, err := io.ReadAll(span.Reader)
		if err != nil {
			return nil, fmt.Errorf("split pdf %s page %d: %w", fileName, i+1, err)
		}
		pages[i] = Page{Number: i + 1, Data: page}
	}
	return pages, nil
}

func countPages(fileName string, data []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("read pdf %s: %w", fileName, err)
	}
	n := r.NumPage()
	if n < 1 {
		return 0, fmt.Errorf("pdf %s has no pages", fileName)
	}
	return n, nil
}

// IsPDF checks the MIME type, the extension and finally the magic bytes.
func IsPDF(fileName, mimeType string, data []byte) bool {
	if strings.EqualFold(mimeType, "application/pdf") {
		return true
	}
	if strings.EqualFold(path.Ext(fileName), ".pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// MimeType guesses a content type from the file name when the client sent none.
func MimeType(fileName, declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(path.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return "application/pdf"
	}
	return "application/octet-stream"
}
