package analysis

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/ashita-ai/seigyo/internal/model"
)

func (a *Analyzer) documentFeatures(path string, result *model.FileAnalysis) {
	f, err := os.Open(path)
	if err != nil {
		result.Errors = append(result.Errors, "document: "+err.Error())
		return
	}
	defer f.Close()

	var (
		title     string
		headings  []string
		lineCount int
		wordCount int
	)
	scanner := bufio.NewScanner(io.LimitReader(f, maxScanBytes))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lineCount++
		wordCount += len(strings.Fields(line))
		trimmed := strings.TrimSpace(line)
		if title == "" && trimmed != "" {
			title = strings.TrimLeft(trimmed, "# ")
		}
		if strings.HasPrefix(trimmed, "#") && len(headings) < 32 {
			headings = append(headings, strings.TrimLeft(trimmed, "# "))
		}
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, "document scan: "+err.Error())
	}

	result.Features["title"] = title
	result.Features["line_count"] = lineCount
	result.Features["word_count"] = wordCount
	if len(headings) > 0 {
		result.Features["headings"] = headings
	}
}

// codeFeatures does a single line-oriented pass. This is deliberately not a
// parser: import/function counts are heuristic signals for schema inference,
// not compiler-grade facts.
func (a *Analyzer) codeFeatures(path, ext string, result *model.FileAnalysis) {
	f, err := os.Open(path)
	if err != nil {
		result.Errors = append(result.Errors, "code: "+err.Error())
		return
	}
	defer f.Close()

	var (
		lineCount int
		imports   int
		functions int
		types     int
	)
	scanner := bufio.NewScanner(io.LimitReader(f, maxScanBytes))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "import "), strings.HasPrefix(line, "import("),
			strings.HasPrefix(line, "from "), strings.HasPrefix(line, "#include"),
			strings.HasPrefix(line, "use "), strings.HasPrefix(line, "require "):
			imports++
		case strings.HasPrefix(line, "func "), strings.HasPrefix(line, "def "),
			strings.HasPrefix(line, "function "), strings.HasPrefix(line, "fn "):
			functions++
		case strings.HasPrefix(line, "type "), strings.HasPrefix(line, "class "),
			strings.HasPrefix(line, "struct "), strings.HasPrefix(line, "interface "):
			types++
		}
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, "code scan: "+err.Error())
	}

	result.Features["language"] = languageForExtension(ext)
	result.Features["line_count"] = lineCount
	result.Features["import_count"] = imports
	result.Features["function_count"] = functions
	result.Features["type_count"] = types
}

func (a *Analyzer) datasetFeatures(path, ext string, result *model.FileAnalysis) {
	switch ext {
	case ".csv", ".tsv":
		a.delimitedFeatures(path, ext, result)
	case ".jsonl":
		a.jsonlFeatures(path, result)
	default:
		result.Features["format"] = strings.TrimPrefix(ext, ".")
	}
}

func (a *Analyzer) delimitedFeatures(path, ext string, result *model.FileAnalysis) {
	f, err := os.Open(path)
	if err != nil {
		result.Errors = append(result.Errors, "dataset: "+err.Error())
		return
	}
	defer f.Close()

	reader := csv.NewReader(io.LimitReader(f, maxScanBytes))
	if ext == ".tsv" {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		result.Errors = append(result.Errors, "dataset header: "+err.Error())
		return
	}
	rowCount := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, "dataset rows: "+err.Error())
			break
		}
		rowCount++
	}

	result.Features["format"] = strings.TrimPrefix(ext, ".")
	result.Features["column_count"] = len(header)
	result.Features["columns"] = header
	result.Features["row_count"] = rowCount
}

func (a *Analyzer) jsonlFeatures(path string, result *model.FileAnalysis) {
	f, err := os.Open(path)
	if err != nil {
		result.Errors = append(result.Errors, "dataset: "+err.Error())
		return
	}
	defer f.Close()

	rowCount := 0
	scanner := bufio.NewScanner(io.LimitReader(f, maxScanBytes))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			rowCount++
		}
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, "dataset scan: "+err.Error())
	}
	result.Features["format"] = "jsonl"
	result.Features["row_count"] = rowCount
}

func languageForExtension(ext string) string {
	switch ext {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp":
		return "cpp"
	case ".sh":
		return "shell"
	case ".sql":
		return "sql"
	default:
		return "unknown"
	}
}
