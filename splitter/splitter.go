// Package splitter implements the Page Splitter (spec §4.2): given a PDF
// byte stream, produce a page count and the sequence of single-page PDF
// byte streams in page order. Uses the pure-Go pdfcpu library rather than
// shelling out to an external CLI tool, so the pipeline carries no runtime
// binary dependency for this stage.
package splitter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	pkgerrors "extraction-worker/pkg/errors"
)

// Page is one single-page PDF byte stream in original page order.
type Page struct {
	Number int // 1-based
	Bytes  []byte
}

// Split decomposes a PDF byte stream into single-page documents. A non-PDF
// input (detected by the caller via mimetype, not here) should never reach
// this function; callers are expected to apply the pass-through rule
// themselves per spec §4.2.
func Split(input []byte) ([]Page, int, error) {
	if len(input) == 0 {
		return nil, 0, pkgerrors.NewCorruptInput("empty input")
	}

	workDir, err := os.MkdirTemp("", "split-*")
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "TEMP_DIR_FAILED", "could not allocate scratch directory")
	}
	defer os.RemoveAll(workDir)

	inPath := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(inPath, input, 0600); err != nil {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "TEMP_WRITE_FAILED", "could not stage input for splitting")
	}

	conf := model.NewDefaultConfiguration()

	pageCount, err := api.PageCountFile(inPath)
	if err != nil || pageCount < 1 {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.CorruptInput, "PAGE_COUNT_FAILED", "could not determine page count")
	}

	if pageCount == 1 {
		// spec §8 boundary behavior: a single-page PDF bypasses the
		// splitter re-write but still yields one page-ordered element.
		return []Page{{Number: 1, Bytes: input}}, 1, nil
	}

	outDir := filepath.Join(workDir, "pages")
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "OUT_DIR_FAILED", "could not allocate split output directory")
	}

	if err := api.SplitFile(inPath, outDir, 1, conf); err != nil {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.CorruptInput, "SPLIT_FAILED", "could not split input into pages")
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "SPLIT_READ_FAILED", "could not read split output")
	}

	pages := make([]Page, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		num, ok := pageNumberFromSplitName(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			return nil, 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "SPLIT_READ_FAILED", "could not read split page")
		}
		pages = append(pages, Page{Number: num, Bytes: data})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	if len(pages) != pageCount {
		return nil, 0, pkgerrors.NewCorruptInput(fmt.Sprintf("split produced %d pages, expected %d", len(pages), pageCount))
	}

	return pages, pageCount, nil
}

// pageNumberFromSplitName extracts the trailing "_<N>" page index pdfcpu's
// SplitFile embeds in each output filename (e.g. "input_3.pdf" -> 3).
func pageNumberFromSplitName(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndex(base, "_")
	if idx < 0 || idx == len(base)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// PageCount returns the page count of a PDF byte stream without splitting
// it. The coordinator's Create does not call it; it takes page totals from
// Split's output.
func PageCount(input []byte) (int, error) {
	if len(input) == 0 {
		return 0, pkgerrors.NewCorruptInput("empty input")
	}
	workDir, err := os.MkdirTemp("", "count-*")
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "TEMP_DIR_FAILED", "could not allocate scratch directory")
	}
	defer os.RemoveAll(workDir)

	inPath := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(inPath, input, 0600); err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "TEMP_WRITE_FAILED", "could not stage input")
	}

	count, err := api.PageCountFile(inPath)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CorruptInput, "PAGE_COUNT_FAILED", "could not determine page count")
	}
	return count, nil
}
