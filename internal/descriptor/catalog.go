package descriptor

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/phobologic/stackpatch/internal/finder"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

const (
	ToolConfigFile = "config.json"
	ToolModuleFile = "__init__.py"
)

//go:embed schema/tool.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

func toolSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tool.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("tool.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// toolConfig is the subset of config.json the patcher needs.
type toolConfig struct {
	Name     string          `json:"name"`
	Category string          `json:"category"`
	URL      string          `json:"url"`
	Bundled  bool            `json:"tools_bundled"`
	Tools    json.RawMessage `json:"tools"`
}

// callables accepts both config forms: a list of names, or an object keyed
// by name with per-callable permissions. Object keys come back sorted.
func (c toolConfig) callables() ([]string, error) {
	var names []string
	if err := json.Unmarshal(c.Tools, &names); err == nil {
		return names, nil
	}
	var perms map[string]json.RawMessage
	if err := json.Unmarshal(c.Tools, &perms); err != nil {
		return nil, err
	}
	for name := range perms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UnknownToolError reports a tool name with no entry in the catalog.
type UnknownToolError struct {
	Name string
	Dir  string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("no known tool %q in %s", e.Name, e.Dir)
}

func (e *UnknownToolError) Is(target error) bool { return target == validation.ErrValidation }

// Catalog is the set of installable tools, read once from a directory of
// <tool>/config.json files.
type Catalog struct {
	dir   string
	tools map[string]model.ToolDescriptor
}

// LoadCatalog reads and validates every <dir>/<tool>/config.json.
// Directories without a config are skipped. A missing dir is an empty
// catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, tools: make(map[string]model.ToolDescriptor)}
	if dir == "" {
		return c, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tool catalog: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), ToolConfigFile)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading tool config: %w", err)
		}
		tool, err := ParseToolConfig(path, data)
		if err != nil {
			return nil, err
		}
		c.tools[tool.Name] = tool
	}
	return c, nil
}

// ParseToolConfig validates data against the tool config schema and
// converts it to a descriptor.
func ParseToolConfig(path string, data []byte) (model.ToolDescriptor, error) {
	schema, err := toolSchema()
	if err != nil {
		return model.ToolDescriptor{}, fmt.Errorf("loading schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return model.ToolDescriptor{}, &validation.InvalidDescriptorError{Path: path, Issues: []string{err.Error()}}
	}
	if err := schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return model.ToolDescriptor{}, fmt.Errorf("validating %s: %w", path, err)
		}
		return model.ToolDescriptor{}, &validation.InvalidDescriptorError{Path: path, Issues: schemaIssues(ve)}
	}

	var cfg toolConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.ToolDescriptor{}, &validation.InvalidDescriptorError{Path: path, Issues: []string{err.Error()}}
	}
	callables, err := cfg.callables()
	if err != nil {
		return model.ToolDescriptor{}, &validation.InvalidDescriptorError{Path: path, Issues: []string{err.Error()}}
	}
	return model.ToolDescriptor{
		Name:      cfg.Name,
		Category:  cfg.Category,
		URL:       cfg.URL,
		Callables: callables,
		Bundled:   cfg.Bundled,
	}, nil
}

// schemaIssues flattens a validation error tree into "/path: message"
// lines for its leaves.
func schemaIssues(ve *jsonschema.ValidationError) []string {
	var issues []string
	seen := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if e.ErrorKind == nil {
			return
		}
		msg := "/" + strings.Join(e.InstanceLocation, "/") + ": " + e.ErrorKind.LocalizedString(printer)
		if !seen[msg] {
			seen[msg] = true
			issues = append(issues, msg)
		}
	}
	walk(ve)
	if len(issues) == 0 {
		issues = append(issues, ve.Error())
	}
	return issues
}

func (c *Catalog) Dir() string { return c.dir }

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (model.ToolDescriptor, error) {
	tool, ok := c.tools[name]
	if !ok {
		return model.ToolDescriptor{}, &UnknownToolError{Name: name, Dir: c.dir}
	}
	return tool, nil
}

// Names returns the catalog's tool names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckCapabilities parses the tool's implementation module and reports
// every declared callable it does not define at module level. A tool with
// no module file passes.
func (c *Catalog) CheckCapabilities(name string) error {
	tool, err := c.Get(name)
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, name, ToolModuleFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading tool module: %w", err)
	}
	doc, err := source.Parse(path, data)
	if err != nil {
		return err
	}
	defer doc.Close()

	var missing []string
	for _, fn := range tool.Callables {
		if !finder.Defines(doc.Root(), doc.Bytes(), fn) {
			missing = append(missing, fn)
		}
	}
	if len(missing) > 0 {
		return &validation.MissingCapabilitiesError{Tool: name, Path: path, Missing: missing}
	}
	return nil
}
