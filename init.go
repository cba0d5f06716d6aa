package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	sentinelStart = "<!-- stackpatch:start -->"
	sentinelEnd   = "<!-- stackpatch:end -->"

	defaultGuideFile = "AGENTS.md"
)

// initCmd writes (or updates) a stackpatch usage section in the project's
// agent guide so coding assistants edit the entrypoint through stackpatch.
func (a *app) initCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "init [guide-file]",
		Short: "Write a stackpatch section into the project's AGENTS.md",
		Long: `Write a stackpatch usage section to an agent guide file. The section is
wrapped in sentinel comments so it can be updated in place on later runs
without touching surrounding content. Creates the file if it does not exist.

guide-file defaults to AGENTS.md in the project directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			section := generateSection()

			// --dry-run with no path: just print the section itself.
			if dryRun && len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), section)
				return nil
			}

			path := filepath.Join(a.path, defaultGuideFile)
			if len(args) > 0 {
				path = args[0]
			}

			existing, _ := os.ReadFile(path)
			updated := applySection(string(existing), section)

			if dryRun {
				fmt.Fprint(cmd.OutOrStdout(), updated)
				return nil
			}
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			a.log.Info("wrote stackpatch section", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

// generateSection returns the sentinel-wrapped stackpatch guide block.
func generateSection() string {
	body := `## stackpatch: editing agents, tasks and tools

This project's entrypoint is maintained with ` + "`stackpatch`" + `. Use it instead of
hand-editing the entrypoint, src/config/agents.yaml or src/config/tasks.yaml;
it keeps the code and the descriptor files in step and refuses edits that
would leave invalid Python behind.

` + "```" + `bash
stackpatch validate                          # is the entrypoint editable?
stackpatch inspect                           # agents, tasks, tools (TOON)
stackpatch agent add researcher --role "..." --goal "..." --llm openai/gpt-4o
stackpatch task add research --agent researcher --description "..."
stackpatch tool add web_search --agent researcher
stackpatch tool remove web_search            # from every agent using it
stackpatch check                             # parse every Python file
` + "```" + `

**Rules:**

1. Run ` + "`stackpatch validate`" + ` before editing. A non-valid state names the
   construct that is missing; fix that by hand first.

2. Read ` + "`stackpatch inspect`" + ` instead of the entrypoint to learn which
   agents and tasks exist and which tools each agent has. Rows marked
   ` + "`undeclared`" + ` or ` + "`missing`" + ` are out of step with the YAML files.

3. Only add tools that ` + "`stackpatch tool list`" + ` shows in the catalog.`

	return sentinelStart + "\n" + body + "\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
