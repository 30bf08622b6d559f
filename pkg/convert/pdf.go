// Package convert turns a downloaded chapter's image set into a single PDF.
// Conversion failure never discards the raw images; the caller decides what
// to do with the directory.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/webp"

	_ "image/gif"
	_ "image/png"
)

// ErrNoImages is returned when the chapter directory holds nothing to convert.
var ErrNoImages = errors.New("no image files found")

// Converter renders one chapter directory into a portable document.
type Converter interface {
	Convert(chapterDir, outPath string) error
}

// PDFConverter builds one PDF page per image, page size matching the image.
type PDFConverter struct{}

func NewPDFConverter() *PDFConverter { return &PDFConverter{} }

func (c *PDFConverter) Convert(chapterDir, outPath string) error {
	images := collectImages(chapterDir)
	if len(images) == 0 {
		return fmt.Errorf("%s: %w", chapterDir, ErrNoImages)
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt"})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	for _, path := range images {
		if err := addPage(pdf, path); err != nil {
			return fmt.Errorf("convert %s: %w", filepath.Base(path), err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func addPage(pdf *fpdf.Fpdf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	w, h := float64(cfg.Width), float64(cfg.Height)
	if w <= 0 || h <= 0 {
		return fmt.Errorf("image has no dimensions")
	}

	name := path
	opts := fpdf.ImageOptions{ImageType: strings.ToUpper(format)}

	switch format {
	case "jpeg", "png", "gif":
		if pdf.GetImageInfo(name) == nil {
			pdf.RegisterImageOptions(path, opts)
		}
	case "webp":
		// fpdf has no webp support; re-encode through JPEG.
		data, err := webpToJPEG(path)
		if err != nil {
			return err
		}
		opts.ImageType = "JPG"
		if pdf.GetImageInfo(name) == nil {
			pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
		}
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}

	pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
	pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
	return pdf.Error()
}

func webpToJPEG(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := webp.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode webp: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func collectImages(dir string) []string {
	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp":
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
