// Package utils holds small file-shape helpers shared by the upload path.
package utils

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectMimeType sniffs the MIME type of an in-memory payload.
func DetectMimeType(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsPdfDocument reports whether a sniffed MIME type is a PDF.
func IsPdfDocument(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "pdf")
}

// IsImageFile reports whether a sniffed MIME type is an image. Image
// uploads are treated as single-page documents: the splitter's pass-through
// rule (spec §4.2) applies to them the same as any other non-PDF input.
func IsImageFile(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}
