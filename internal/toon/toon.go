// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/stackpatch/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Encode converts a project inspection into TOON format.
func Encode(in *model.Inspection) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("project: %s", encodeValue(in.Project)))
	parts = append(parts, fmt.Sprintf("framework: %s", encodeValue(in.Framework)))
	parts = append(parts, fmt.Sprintf("entrypoint: %s", encodeValue(in.Entrypoint)))
	parts = append(parts, fmt.Sprintf("state: %s", encodeValue(in.State)))

	var agentRows [][]string
	for i := range in.Agents {
		a := &in.Agents[i]
		agentRows = append(agentRows, []string{
			a.Name,
			a.LLM,
			strings.Join(a.Tools, " "),
			status(a.Declared, a.Defined),
		})
	}
	parts = append(parts, formatTabular("agents", []string{"name", "llm", "tools", "status"}, agentRows))

	var taskRows [][]string
	for i := range in.Tasks {
		tk := &in.Tasks[i]
		taskRows = append(taskRows, []string{tk.Name, tk.Agent, status(tk.Declared, tk.Defined)})
	}
	parts = append(parts, formatTabular("tasks", []string{"name", "agent", "status"}, taskRows))

	var toolRows [][]string
	for i := range in.Tools {
		tl := &in.Tools[i]
		toolRows = append(toolRows, []string{tl.Name, tl.Category, strings.Join(tl.Agents, " ")})
	}
	parts = append(parts, formatTabular("tools", []string{"name", "category", "agents"}, toolRows))

	if len(in.Edges) > 0 {
		var edgeRows [][]string
		for i := range in.Edges {
			e := &in.Edges[i]
			edgeRows = append(edgeRows, []string{e.Source, e.Target, strconv.FormatBool(e.Conditional)})
		}
		parts = append(parts, formatTabular("edges", []string{"source", "target", "conditional"}, edgeRows))
		parts = append(parts, formatList("order", in.Order))
	}

	return strings.Join(parts, "\n")
}

// EncodeParseResults renders the outcome of a project parse check.
func EncodeParseResults(results []model.ParseResult) string {
	var rows [][]string
	failed := 0
	for i := range results {
		r := &results[i]
		if r.Err == "" {
			continue
		}
		failed++
		rows = append(rows, []string{r.Path, strconv.Itoa(r.Line), strconv.Itoa(r.Column), r.Err})
	}
	parts := []string{
		fmt.Sprintf("checked: %d", len(results)),
		fmt.Sprintf("failed: %d", failed),
		formatTabular("errors", []string{"path", "line", "column", "error"}, rows),
	}
	return strings.Join(parts, "\n")
}

// status describes where a member was found: in the entrypoint, in the
// descriptor store, or both.
func status(declared, defined bool) string {
	switch {
	case declared && defined:
		return "ok"
	case defined:
		return "undeclared"
	case declared:
		return "missing"
	}
	return ""
}

func formatList(name string, values []string) string {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = encodeValue(v)
	}
	if len(encoded) == 0 {
		return fmt.Sprintf("%s[0]:", name)
	}
	return fmt.Sprintf("%s[%d]: %s", name, len(values), strings.Join(encoded, ","))
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
