package pdfvalidation

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidateRejectsOversized(t *testing.T) {
	content := []byte("%PDF-1.4 " + strings.Repeat("x", 100))

	result, err := ValidatePDFBytes(content, PDFLimits{MaxBytes: 50})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Error("oversized file must not validate")
	}
	if !result.Oversized {
		t.Error("Oversized flag not set")
	}
	if result.FileSize != int64(len(content)) {
		t.Errorf("file size = %d, want %d", result.FileSize, len(content))
	}
}

func TestValidateRejectsMissingHeader(t *testing.T) {
	result, err := ValidatePDFBytes([]byte("not a pdf at all"), PDFLimits{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Error("non-PDF content must not validate")
	}
	if result.Oversized {
		t.Error("a bad header is not a size problem")
	}
	if result.Error == "" {
		t.Error("expected an error message")
	}
}

func TestValidateRejectsCorruptBody(t *testing.T) {
	// Header is right but the rest is garbage the parser cannot read
	result, err := ValidatePDFBytes([]byte("%PDF-1.7\ngarbage"), PDFLimits{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Error("unparseable PDF must not validate")
	}
}

func TestSanitizeTrimsTrailingGarbage(t *testing.T) {
	pdf := []byte("%PDF-1.4\nbody\n%%EOF\n")
	dirty := append(append([]byte{}, pdf...), []byte("TRAILING JUNK")...)

	clean := SanitizePDF(dirty)
	if !bytes.Equal(clean, pdf) {
		t.Errorf("sanitized = %q, want %q", clean, pdf)
	}
}

func TestSanitizeKeepsCleanPDF(t *testing.T) {
	pdf := []byte("%PDF-1.4\nbody\n%%EOF\n")
	if got := SanitizePDF(pdf); !bytes.Equal(got, pdf) {
		t.Errorf("clean PDF was modified: %q", got)
	}
}

func TestSanitizePassesThroughNonPDF(t *testing.T) {
	data := []byte("random bytes %%EOF extra")
	if got := SanitizePDF(data); !bytes.Equal(got, data) {
		t.Errorf("non-PDF content must pass through untouched")
	}
}

func TestSanitizeEmptyInput(t *testing.T) {
	if got := SanitizePDF(nil); len(got) != 0 {
		t.Errorf("empty input should stay empty")
	}
}
