package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/png"
	"log"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"

	"github.com/scriptgrade/api/services/pagerender"
)

// PageImage is a single rendered page in document order.
type PageImage struct {
	Index int
	Data  []byte // PNG bytes
}

// Digest returns the content hash of the page bytes
func (p PageImage) Digest() string {
	sum := sha256.Sum256(p.Data)
	return hex.EncodeToString(sum[:])
}

// Rasterizer converts uploaded answer sheets (PDF, Word, plain images) into a
// normalized sequence of upright PNG pages. Heavy renders hold a raster gate
// token so that a burst of submissions cannot exhaust memory.
type Rasterizer struct {
	renderer *pagerender.Client
	governor *Governor
}

// NewRasterizer creates a new rasterizer
func NewRasterizer(renderer *pagerender.Client, governor *Governor) *Rasterizer {
	return &Rasterizer{
		renderer: renderer,
		governor: governor,
	}
}

// sanitizePDF fixes common PDF issues like trailing garbage data
// Many scanned PDFs come from web tools that append HTML or tracking data after %%EOF
// This function truncates the content at the last valid %%EOF marker
func sanitizePDF(content []byte) []byte {
	if len(content) == 0 {
		return content
	}

	// Check if content starts with PDF header
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content // Not a PDF, return as-is
	}

	// Find the last occurrence of %%EOF (valid PDF end marker)
	eofMarker := []byte("%%EOF")
	lastEOF := bytes.LastIndex(content, eofMarker)

	if lastEOF == -1 {
		// No %%EOF found - PDF is likely truncated, return as-is and let parser handle it
		return content
	}

	pdfEnd := lastEOF + len(eofMarker)

	// Allow for trailing newlines after %%EOF (valid per PDF spec)
	for pdfEnd < len(content) && (content[pdfEnd] == '\n' || content[pdfEnd] == '\r') {
		pdfEnd++
	}

	if pdfEnd < len(content) {
		extraBytes := len(content) - pdfEnd
		if extraBytes > 10 { // More than just whitespace
			log.Printf("[RASTER] Removing %d bytes of trailing garbage after %%EOF", extraBytes)
			return content[:pdfEnd]
		}
	}

	return content
}

// validatePDF parses the PDF structure and returns the page count.
// A document that fails to parse is permanently invalid, not transient.
func validatePDF(content []byte) (int, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse PDF: %v", ErrInvalidDocument, err)
	}

	numPages := pdfReader.NumPage()
	if numPages == 0 {
		return 0, fmt.Errorf("%w: PDF has no pages", ErrInvalidDocument)
	}
	return numPages, nil
}

// normalizeOrientation rotates landscape scans upright. Phone photos of answer
// sheets frequently arrive rotated 90 degrees; a width/height ratio above 1.3
// is treated as a sideways portrait page.
func normalizeOrientation(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page image: %w", err)
	}

	bounds := img.Bounds()
	width := float64(bounds.Dx())
	height := float64(bounds.Dy())
	if height == 0 {
		return nil, fmt.Errorf("page image has zero height")
	}

	if width/height <= 1.3 {
		return data, nil // Already upright enough
	}

	rotated := imaging.Rotate90(img)

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, rotated); err != nil {
		return nil, fmt.Errorf("failed to re-encode rotated page: %w", err)
	}
	return buf.Bytes(), nil
}

// isImageType reports whether the declared type is a plain image upload
func isImageType(declaredType string) bool {
	switch strings.ToLower(declaredType) {
	case "png", "jpg", "jpeg":
		return true
	}
	return false
}

// Rasterize converts a document into ordered upright page images. The declared
// type comes from the uploaded filename; the bytes are still validated before
// any expensive render happens.
func (r *Rasterizer) Rasterize(ctx context.Context, content []byte, filename, declaredType string) ([]PageImage, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	declaredType = strings.ToLower(strings.TrimPrefix(declaredType, "."))

	// Plain image uploads are a single page, no render service round trip
	if isImageType(declaredType) {
		normalized, err := normalizeOrientation(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return []PageImage{{Index: 0, Data: normalized}}, nil
	}

	if declaredType == "pdf" {
		content = sanitizePDF(content)
		numPages, err := validatePDF(content)
		if err != nil {
			return nil, err
		}
		log.Printf("[RASTER] Validated PDF %s: %d pages", filename, numPages)
	} else if declaredType != "docx" && declaredType != "doc" {
		return nil, fmt.Errorf("%w: unsupported document type %q", ErrInvalidDocument, declaredType)
	}

	if err := r.governor.Acquire(ctx, GateRaster); err != nil {
		return nil, err
	}
	defer r.governor.Release(GateRaster)

	rawPages, err := r.renderer.RenderDocument(ctx, content, filename, declaredType)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", filename, err)
	}
	if len(rawPages) == 0 {
		return nil, fmt.Errorf("%w: render produced no pages for %s", ErrInvalidDocument, filename)
	}

	pages := make([]PageImage, 0, len(rawPages))
	for i, raw := range rawPages {
		normalized, err := normalizeOrientation(raw)
		if err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", i, filename, err)
		}
		pages = append(pages, PageImage{Index: i, Data: normalized})
	}

	log.Printf("[RASTER] Rasterized %s into %d pages", filename, len(pages))
	return pages, nil
}
