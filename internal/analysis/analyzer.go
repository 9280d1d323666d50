// Package analysis extracts a category and a shallow feature bag from files
// on disk. Analysis never fails outright: recoverable problems are collected
// into the result's error list so the ingestion pipeline can retry on the
// next scan without special-casing.
package analysis

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/seigyo/internal/model"
)

// maxScanBytes bounds how much of a file the feature extractors read.
// Work stays O(file size) with a hard cap; nothing here does nested I/O.
const maxScanBytes = 1 << 20 // 1 MiB

// categoryByExtension is consulted before MIME sniffing.
var categoryByExtension = map[string]model.FileCategory{
	".txt":      model.CategoryDocument,
	".md":       model.CategoryDocument,
	".markdown": model.CategoryDocument,
	".rst":      model.CategoryDocument,
	".rtf":      model.CategoryDocument,
	".pdf":      model.CategoryDocument,

	".go":   model.CategoryCode,
	".py":   model.CategoryCode,
	".js":   model.CategoryCode,
	".ts":   model.CategoryCode,
	".java": model.CategoryCode,
	".rb":   model.CategoryCode,
	".rs":   model.CategoryCode,
	".c":    model.CategoryCode,
	".h":    model.CategoryCode,
	".cpp":  model.CategoryCode,
	".sh":   model.CategoryCode,
	".sql":  model.CategoryCode,

	".csv":     model.CategoryDataset,
	".tsv":     model.CategoryDataset,
	".jsonl":   model.CategoryDataset,
	".parquet": model.CategoryDataset,

	".png":  model.CategoryMedia,
	".jpg":  model.CategoryMedia,
	".jpeg": model.CategoryMedia,
	".gif":  model.CategoryMedia,
	".svg":  model.CategoryMedia,
	".mp3":  model.CategoryMedia,
	".wav":  model.CategoryMedia,
	".mp4":  model.CategoryMedia,
	".mov":  model.CategoryMedia,
	".webm": model.CategoryMedia,
}

// Analyzer classifies files and extracts category-specific features.
type Analyzer struct {
	logger *slog.Logger
}

// New creates a content analyzer.
func New(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Analyze inspects the file at path. Category resolution order: extension,
// then sniffed MIME type, then unknown.
func (a *Analyzer) Analyze(path string) model.FileAnalysis {
	result := model.FileAnalysis{
		Path:     path,
		Name:     filepath.Base(path),
		Category: model.CategoryUnknown,
		Features: map[string]any{},
	}

	info, err := os.Stat(path)
	if err != nil {
		result.Errors = append(result.Errors, "stat: "+err.Error())
		return result
	}
	result.Size = info.Size()

	ext := strings.ToLower(filepath.Ext(path))
	if cat, ok := categoryByExtension[ext]; ok {
		result.Category = cat
	}

	head, err := readHead(path, 512)
	if err != nil {
		result.Errors = append(result.Errors, "read: "+err.Error())
		return result
	}
	if len(head) > 0 {
		result.MimeType = strings.Split(http.DetectContentType(head), ";")[0]
	}
	if result.Category == model.CategoryUnknown {
		result.Category = categoryFromMime(result.MimeType)
	}

	switch result.Category {
	case model.CategoryDocument:
		a.documentFeatures(path, &result)
	case model.CategoryCode:
		a.codeFeatures(path, ext, &result)
	case model.CategoryDataset:
		a.datasetFeatures(path, ext, &result)
	case model.CategoryMedia:
		result.Features["media_kind"] = mediaKind(ext, result.MimeType)
	}
	return result
}

func categoryFromMime(mime string) model.FileCategory {
	switch {
	case strings.HasPrefix(mime, "text/"):
		return model.CategoryDocument
	case strings.HasPrefix(mime, "image/"),
		strings.HasPrefix(mime, "audio/"),
		strings.HasPrefix(mime, "video/"):
		return model.CategoryMedia
	case mime == "application/json":
		return model.CategoryDataset
	default:
		return model.CategoryUnknown
	}
}

func mediaKind(ext, mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg":
		return "image"
	case ".mp3", ".wav":
		return "audio"
	case ".mp4", ".mov", ".webm":
		return "video"
	}
	return "unknown"
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return headOf(f, n)
}

// headOf reads up to n bytes from r. An empty read at EOF is not an error.
func headOf(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.Read(buf)
	if read > 0 {
		return buf[:read], nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return nil, nil
}
