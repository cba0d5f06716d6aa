// Package descriptor reads and writes the project's agent and task stores
// (src/config/agents.yaml, src/config/tasks.yaml) and loads the tool catalog.
//
// Stores are kept as yaml.v3 node trees so a Save rewrites only the entries
// that were Put and keeps the file order, comments and quoting of the rest.
package descriptor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/validation"
)

const (
	AgentsFile = "src/config/agents.yaml"
	TasksFile  = "src/config/tasks.yaml"
)

// store is an ordered name -> entry mapping backed by a YAML document.
type store[T any] struct {
	path    string
	doc     *yaml.Node
	names   []string
	entries map[string]T
}

func loadStore[T any](path string, decode func(name string, n *yaml.Node) (T, error)) (*store[T], error) {
	s := &store[T]{
		path:    path,
		doc:     &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}},
		entries: make(map[string]T),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &validation.InvalidDescriptorError{Path: path, Issues: []string{err.Error()}}
	}
	if len(doc.Content) == 0 {
		return s, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return s, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, &validation.InvalidDescriptorError{Path: path, Issues: []string{"top level is not a mapping"}}
	}
	s.doc = &doc

	var issues []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		v, err := decode(name, root.Content[i+1])
		if err != nil {
			issues = append(issues, err.Error())
			continue
		}
		s.names = append(s.names, name)
		s.entries[name] = v
	}
	if len(issues) > 0 {
		return nil, &validation.InvalidDescriptorError{Path: path, Issues: issues}
	}
	return s, nil
}

func (s *store[T]) root() *yaml.Node { return s.doc.Content[0] }

func (s *store[T]) get(name string) (T, bool) {
	v, ok := s.entries[name]
	return v, ok
}

// put replaces the entry for name in place, or appends it.
func (s *store[T]) put(name string, v T, node *yaml.Node) {
	root := s.root()
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == name {
			root.Content[i+1] = node
			s.entries[name] = v
			return
		}
	}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
		node,
	)
	s.names = append(s.names, name)
	s.entries[name] = v
}

func (s *store[T]) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s.doc); err != nil {
		return fmt.Errorf("encoding %s: %w", s.path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(s.path, buf.Bytes(), 0o644)
}

// decodeFields reads a flat string mapping. A null entry (`name:` with no
// body) decodes to no fields.
func decodeFields(kind, name string, n *yaml.Node) (map[string]string, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s `%s` is not a mapping (line %d)", kind, name, n.Line)
	}
	fields := make(map[string]string, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		// nested values belong to the framework, not to the descriptor
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			continue
		}
		fields[k.Value] = v.Value
	}
	return fields, nil
}

// field is one key of an encoded entry. Folded fields are written as
// folded block scalars.
type field struct {
	key    string
	value  string
	folded bool
}

func encodeFields(fields ...field) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, f := range fields {
		v := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.value}
		if f.folded && f.value != "" {
			v.Style = yaml.FoldedStyle
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.key}, v)
	}
	return n
}

// ParseLLM splits a model id into provider and model. Ids are
// "provider/model", or "openrouter/vendor/model" where the provider is
// "openrouter/vendor". An empty id yields empty strings.
func ParseLLM(id string) (provider, modelName string, err error) {
	if id == "" {
		return "", "", nil
	}
	parts := strings.Split(id, "/")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], nil
	case 3:
		return parts[0] + "/" + parts[1], parts[2], nil
	}
	return "", "", fmt.Errorf("model id %q does not match provider/model", id)
}

// AgentStore is the project's agents.yaml.
type AgentStore struct {
	s *store[model.AgentDescriptor]
}

// LoadAgents reads root/src/config/agents.yaml. A missing file is an empty
// store.
func LoadAgents(root string) (*AgentStore, error) {
	s, err := loadStore(filepath.Join(root, AgentsFile), decodeAgent)
	if err != nil {
		return nil, err
	}
	return &AgentStore{s: s}, nil
}

func decodeAgent(name string, n *yaml.Node) (model.AgentDescriptor, error) {
	fields, err := decodeFields("agent", name, n)
	if err != nil {
		return model.AgentDescriptor{}, err
	}
	provider, llm, err := ParseLLM(fields["llm"])
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("agent `%s`: %w", name, err)
	}
	return model.AgentDescriptor{
		Name:      name,
		Role:      fields["role"],
		Goal:      fields["goal"],
		Backstory: fields["backstory"],
		Provider:  provider,
		Model:     llm,
	}, nil
}

func (a *AgentStore) Path() string { return a.s.path }

// Names returns agent names in file order.
func (a *AgentStore) Names() []string { return append([]string(nil), a.s.names...) }

func (a *AgentStore) Get(name string) (model.AgentDescriptor, bool) { return a.s.get(name) }

// Put adds or replaces an agent entry.
func (a *AgentStore) Put(agent model.AgentDescriptor) {
	a.s.put(agent.Name, agent, encodeFields(
		field{key: "role", value: agent.Role, folded: true},
		field{key: "goal", value: agent.Goal, folded: true},
		field{key: "backstory", value: agent.Backstory, folded: true},
		field{key: "llm", value: agent.LLM()},
	))
}

func (a *AgentStore) Save() error { return a.s.save() }

// TaskStore is the project's tasks.yaml.
type TaskStore struct {
	s *store[model.TaskDescriptor]
}

// LoadTasks reads root/src/config/tasks.yaml. A missing file is an empty
// store.
func LoadTasks(root string) (*TaskStore, error) {
	s, err := loadStore(filepath.Join(root, TasksFile), decodeTask)
	if err != nil {
		return nil, err
	}
	return &TaskStore{s: s}, nil
}

func decodeTask(name string, n *yaml.Node) (model.TaskDescriptor, error) {
	fields, err := decodeFields("task", name, n)
	if err != nil {
		return model.TaskDescriptor{}, err
	}
	return model.TaskDescriptor{
		Name:           name,
		Description:    fields["description"],
		ExpectedOutput: fields["expected_output"],
		Agent:          fields["agent"],
	}, nil
}

func (t *TaskStore) Path() string { return t.s.path }

// Names returns task names in file order.
func (t *TaskStore) Names() []string { return append([]string(nil), t.s.names...) }

func (t *TaskStore) Get(name string) (model.TaskDescriptor, bool) { return t.s.get(name) }

// Put adds or replaces a task entry.
func (t *TaskStore) Put(task model.TaskDescriptor) {
	t.s.put(task.Name, task, encodeFields(
		field{key: "description", value: task.Description, folded: true},
		field{key: "expected_output", value: task.ExpectedOutput, folded: true},
		field{key: "agent", value: task.Agent},
	))
}

func (t *TaskStore) Save() error { return t.s.save() }
