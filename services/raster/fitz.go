package raster

import (
	"context"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"

	"github.com/docpipe/docpipe/utils/pdfvalidation"
)

// Rasterizer turns PDF bytes into per-page images
type Rasterizer interface {
	// PageCount reports the number of pages without rendering anything
	PageCount(ctx context.Context, pdfBytes []byte) (int, error)

	// RenderPage renders one page (0-based) to an image
	RenderPage(ctx context.Context, pdfBytes []byte, page int) (image.Image, error)
}

// FitzRasterizer renders pages through MuPDF
type FitzRasterizer struct{}

func NewFitzRasterizer() *FitzRasterizer {
	return &FitzRasterizer{}
}

func (r *FitzRasterizer) PageCount(ctx context.Context, pdfBytes []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdfvalidation.SanitizePDF(pdfBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	return doc.NumPage(), nil
}

func (r *FitzRasterizer) RenderPage(ctx context.Context, pdfBytes []byte, page int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(pdfvalidation.SanitizePDF(pdfBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if page < 0 || page >= doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", page, doc.NumPage())
	}

	img, err := doc.Image(page)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	return img, nil
}
