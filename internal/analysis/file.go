package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileAnalyzer serves saved result pages from local JSON files. Each file
// holds one page in the service's wire shape ({"JobStatus", "Blocks", ...}).
//
// The job id is the path given to StartAnalysis or NewFileAnalyzer: a single
// file, or a directory whose *.json files are the pages in name order.
type FileAnalyzer struct {
	root string
}

// NewFileAnalyzer returns an analyzer rooted at path. Requests name files
// relative to it; an empty key selects path itself.
func NewFileAnalyzer(path string) *FileAnalyzer {
	return &FileAnalyzer{root: path}
}

// StartAnalysis resolves the pages for req.Key and returns their path as the
// job id. Nothing is submitted anywhere.
func (f *FileAnalyzer) StartAnalysis(ctx context.Context, req Request) (string, error) {
	const op = "StartAnalysis"

	target := f.root
	if req.Key != "" && !filepath.IsAbs(req.Key) {
		target = filepath.Join(f.root, req.Key)
	} else if req.Key != "" {
		target = req.Key
	}
	if _, err := os.Stat(target); err != nil {
		return "", WrapAnalysisError(op, err, fmt.Sprintf("no result pages at %s", target))
	}
	return target, nil
}

// GetAnalysis returns the page at token, or the first page when token is
// empty. Pages with no JobStatus count as SUCCEEDED.
func (f *FileAnalyzer) GetAnalysis(ctx context.Context, jobID, token string) (*Page, error) {
	const op = "GetAnalysis"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := pageFiles(jobID)
	if err != nil {
		return nil, WrapAnalysisError(op, err, fmt.Sprintf("failed to list pages in %s", jobID))
	}
	if len(files) == 0 {
		return nil, WrapAnalysisError(op, ErrInvalidPage, fmt.Sprintf("no *.json pages in %s", jobID))
	}

	idx := 0
	if token != "" {
		idx = -1
		for i, name := range files {
			if name == token {
				idx = i
			}
		}
		if idx < 0 {
			return nil, WrapAnalysisError(op, ErrInvalidPage, fmt.Sprintf("unknown continuation token %q", token))
		}
	}

	data, err := os.ReadFile(files[idx])
	if err != nil {
		return nil, WrapAnalysisError(op, err, "failed to read page")
	}
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, WrapAnalysisError(op, ErrInvalidPage, fmt.Sprintf("%s: %v", files[idx], err))
	}
	if page.JobStatus == "" {
		page.JobStatus = StatusSucceeded
	}
	page.NextToken = ""
	if page.JobStatus == StatusSucceeded && idx+1 < len(files) {
		page.NextToken = files[idx+1]
	}
	return &page, nil
}

func pageFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
