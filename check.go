package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/spf13/cobra"

	"github.com/phobologic/stackpatch/internal/discover"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/toon"
	"github.com/phobologic/stackpatch/internal/validation"
)

func (a *app) checkCmd() *cobra.Command {
	var opts discover.Options
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Parse every Python file in the project",
		Long: `Parse every Python file in the project and report syntax errors. Files
ignored by git (or by .gitignore outside a work tree), virtualenvs and
hidden directories are skipped. Exits non-zero when any file fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(a.path)
			if err != nil {
				return err
			}
			files, err := discover.PythonFiles(root, opts)
			if err != nil {
				return fmt.Errorf("discovering files: %w", err)
			}
			a.log.Debug("checking files", "root", root, "files", len(files))

			results := parseFilesConcurrent(root, files)
			fmt.Fprintln(cmd.OutOrStdout(), toon.EncodeParseResults(results))

			failed := 0
			for _, r := range results {
				if r.Err != "" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed to parse", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.MaxFileSize, "max-file-size", 1<<20, "skip files larger than this many bytes (0 for no limit)")
	cmd.Flags().BoolVar(&opts.SkipTests, "skip-tests", false, "skip pytest files")
	return cmd
}

// parseFilesConcurrent parses files on GOMAXPROCS workers and returns one
// result per file in the order given.
func parseFilesConcurrent(root string, files []discover.FileEntry) []model.ParseResult {
	type result struct {
		index int
		res   model.ParseResult
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	work := make(chan int, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				results <- result{index: idx, res: checkFile(root, files[idx].Path)}
			}
		}()
	}

	for i := range files {
		work <- i
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]model.ParseResult, len(files))
	for r := range results {
		ordered[r.index] = r.res
	}
	return ordered
}

func checkFile(root, rel string) model.ParseResult {
	res := model.ParseResult{Path: rel}
	doc, err := source.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err == nil {
		doc.Close()
		return res
	}

	var ue *validation.UnparsableSourceError
	if errors.As(err, &ue) {
		res.Line, res.Column = ue.Line, ue.Column
		if ue.Cause != nil {
			res.Err = ue.Cause.Error()
			return res
		}
	}
	res.Err = err.Error()
	return res
}
