// Package engine runs stackpatch operations against a project: it resolves
// the framework grammar, opens the entrypoint in an edit session, applies
// the grammar operation and keeps the descriptor stores and project config
// in step with the source.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/google/uuid"

	"github.com/phobologic/stackpatch/internal/descriptor"
	"github.com/phobologic/stackpatch/internal/grammar"
	"github.com/phobologic/stackpatch/internal/graph"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/project"
	"github.com/phobologic/stackpatch/internal/source"
	"github.com/phobologic/stackpatch/internal/validation"
)

// ErrNoAgents is returned when a tool is added to every agent of an
// entrypoint that has none.
var ErrNoAgents = errors.New("no agents to add the tool to")

// memberName is the snake_case shape agent and task names must have to be
// usable as method names and descriptor keys.
var memberName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Engine binds a project to its grammar. Each operation is one edit
// session on the entrypoint; there is no rollback across sessions.
type Engine struct {
	cfg     *project.Config
	adapter grammar.Adapter
	catalog *descriptor.Catalog
	log     *slog.Logger
}

// New resolves cfg.Framework in registry. A nil catalog is treated as
// empty and a nil logger discards.
func New(cfg *project.Config, registry *grammar.Registry, catalog *descriptor.Catalog, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	adapter, err := registry.Lookup(cfg.Framework)
	if err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog, _ = descriptor.LoadCatalog("")
	}
	e := &Engine{
		cfg:     cfg,
		adapter: adapter,
		catalog: catalog,
		log:     logger.With("project", cfg.Dir, "framework", adapter.Name()),
	}
	if !cfg.Supported() {
		e.log.Warn("project was generated by an unsupported agentstack release",
			"agentstack_version", cfg.Version.String(), "supported", project.SupportedVersions)
	}
	return e, nil
}

func (e *Engine) Adapter() grammar.Adapter { return e.adapter }

// Entrypoint returns the absolute path of the file the grammar edits.
func (e *Engine) Entrypoint() string { return e.cfg.EntrypointPath(e.adapter) }

// session runs fn as one logged operation. Writing runs fn in a
// source.Session, otherwise in a read-only source.Inspect.
func (e *Engine) session(op string, write bool, fn func(doc *source.Document, log *slog.Logger) error) error {
	log := e.log.With("session", uuid.NewString(), "op", op)
	log.Debug("session start", "path", e.adapter.Entrypoint(), "write", write)

	run := source.Inspect
	if write {
		run = source.Session
	}
	err := run(e.Entrypoint(), func(doc *source.Document) error {
		return fn(doc, log)
	})
	if err != nil {
		log.Debug("session failed", "err", err)
		return err
	}
	log.Debug("session complete")
	return nil
}

// Validate runs the grammar's structural validation, then checks that
// every agent and task declared in the descriptor stores has a member in
// the entrypoint. Declared names with no member leave the project in
// UndefinedMembers, with one UnknownMemberError per name.
func (e *Engine) Validate() (validation.State, error) {
	agents, err := descriptor.LoadAgents(e.cfg.Dir)
	if err != nil {
		return validation.NoAnchorType, err
	}
	tasks, err := descriptor.LoadTasks(e.cfg.Dir)
	if err != nil {
		return validation.NoAnchorType, err
	}

	var state validation.State
	err = e.session("validate", false, func(doc *source.Document, log *slog.Logger) error {
		var err error
		state, err = e.adapter.ValidateProject(doc)
		if err == nil {
			state, err = validation.Run(validation.Check{Fail: validation.UndefinedMembers, Run: func() error {
				return errors.Join(
					e.crossCheck(doc, "task", tasks.Names(), e.adapter.TaskNames),
					e.crossCheck(doc, "agent", agents.Names(), e.adapter.AgentNames),
				)
			}})
		}
		log.Info("validated", "state", state.String())
		return err
	})
	return state, err
}

// crossCheck reports every declared name with no member in doc.
func (e *Engine) crossCheck(doc *source.Document, kind string, declared []string, defined func(*source.Document) ([]string, error)) error {
	if len(declared) == 0 {
		return nil
	}
	have, err := defined(doc)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range declared {
		if !slices.Contains(have, name) {
			errs = append(errs, &validation.UnknownMemberError{
				Framework: e.adapter.DisplayName(),
				Path:      e.adapter.Entrypoint(),
				Kind:      kind,
				Name:      name,
			})
		}
	}
	return errors.Join(errs...)
}

func checkName(path, kind, name string) error {
	if memberName.MatchString(name) {
		return nil
	}
	return &validation.InvalidDescriptorError{
		Path:   path,
		Issues: []string{fmt.Sprintf("%s name %q is not snake_case (lowercase letters, digits and underscores)", kind, name)},
	}
}

// AddAgent adds the agent method to the entrypoint and records the agent in
// agents.yaml. An agent without a provider takes the project's default
// model.
func (e *Engine) AddAgent(agent model.AgentDescriptor) error {
	if agent.Provider == "" && agent.Model == "" && e.cfg.DefaultModel != "" {
		provider, name, err := descriptor.ParseLLM(e.cfg.DefaultModel)
		if err != nil {
			return fmt.Errorf("default_model: %w", err)
		}
		agent.Provider, agent.Model = provider, name
	}
	store, err := descriptor.LoadAgents(e.cfg.Dir)
	if err != nil {
		return err
	}
	if err := checkName(store.Path(), "agent", agent.Name); err != nil {
		return err
	}

	err = e.session("add_agent", true, func(doc *source.Document, log *slog.Logger) error {
		if err := e.adapter.AddAgentMethod(doc, agent); err != nil {
			return err
		}
		log.Info("added agent", "agent", agent.Name, "llm", agent.LLM())
		return nil
	})
	if err != nil {
		return err
	}
	store.Put(agent)
	return store.Save()
}

// AddTask adds the task method to the entrypoint and records the task in
// tasks.yaml. A task without an agent is assigned the first agent.
func (e *Engine) AddTask(task model.TaskDescriptor) error {
	store, err := descriptor.LoadTasks(e.cfg.Dir)
	if err != nil {
		return err
	}
	if err := checkName(store.Path(), "task", task.Name); err != nil {
		return err
	}
	if task.Agent != "" {
		if err := checkName(store.Path(), "agent", task.Agent); err != nil {
			return err
		}
	}

	err = e.session("add_task", true, func(doc *source.Document, log *slog.Logger) error {
		if task.Agent == "" {
			agents, err := e.adapter.AgentNames(doc)
			if err != nil {
				return err
			}
			if len(agents) > 0 {
				task.Agent = agents[0]
			}
		}
		if err := e.adapter.AddTaskMethod(doc, task); err != nil {
			return err
		}
		log.Info("added task", "task", task.Name, "agent", task.Agent)
		return nil
	})
	if err != nil {
		return err
	}
	store.Put(task)
	return store.Save()
}

// AddTool adds a catalog tool to the named agents, or to every agent when
// none are given, and records it as installed.
func (e *Engine) AddTool(name string, agents ...string) error {
	tool, err := e.catalog.Get(name)
	if err != nil {
		return err
	}
	if err := e.catalog.CheckCapabilities(name); err != nil {
		return err
	}

	err = e.session("add_tool", true, func(doc *source.Document, log *slog.Logger) error {
		targets, err := e.targets(doc, agents)
		if err != nil {
			return err
		}
		for _, agent := range targets {
			if err := e.adapter.AddAgentTools(doc, agent, tool); err != nil {
				return err
			}
			log.Info("added tool", "tool", name, "agent", agent)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.cfg.AddTool(name) {
		return e.cfg.SaveTools()
	}
	return nil
}

// RemoveTool removes a tool from the named agents. With no agents it is
// removed from every agent that references it. The tool stays installed
// while any agent still references it.
func (e *Engine) RemoveTool(name string, agents ...string) error {
	tool, err := e.catalog.Get(name)
	if err != nil {
		tool = model.ToolDescriptor{Name: name}
	}

	var remaining int
	err = e.session("remove_tool", true, func(doc *source.Document, log *slog.Logger) error {
		users, err := e.toolUsers(doc, name)
		if err != nil {
			return err
		}
		targets := agents
		if len(targets) == 0 {
			if len(users) == 0 {
				return &validation.UnknownMemberError{
					Framework: e.adapter.DisplayName(),
					Path:      e.adapter.Entrypoint(),
					Kind:      "tool",
					Name:      name,
				}
			}
			targets = users
		}
		for _, agent := range targets {
			if err := e.adapter.RemoveAgentTools(doc, agent, tool); err != nil {
				return err
			}
			log.Info("removed tool", "tool", name, "agent", agent)
		}
		users, err = e.toolUsers(doc, name)
		remaining = len(users)
		return err
	})
	if err != nil {
		return err
	}
	if remaining == 0 && e.cfg.RemoveTool(name) {
		return e.cfg.SaveTools()
	}
	return nil
}

func (e *Engine) targets(doc *source.Document, agents []string) ([]string, error) {
	if len(agents) > 0 {
		return agents, nil
	}
	all, err := e.adapter.AgentNames(doc)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: %w", e.adapter.Entrypoint(), ErrNoAgents)
	}
	return all, nil
}

// toolUsers lists the agents whose tool list references name.
func (e *Engine) toolUsers(doc *source.Document, name string) ([]string, error) {
	agents, err := e.adapter.AgentNames(doc)
	if err != nil {
		return nil, err
	}
	var users []string
	for _, agent := range agents {
		tools, err := e.agentTools(doc, agent)
		if err != nil {
			return nil, err
		}
		if slices.Contains(tools, name) {
			users = append(users, agent)
		}
	}
	return users, nil
}

// agentTools is AgentToolNames where an agent with no tool list yet has
// no tools.
func (e *Engine) agentTools(doc *source.Document, agent string) ([]string, error) {
	tools, err := e.adapter.AgentToolNames(doc, agent)
	var missing *validation.MissingCallOrArgumentError
	if errors.As(err, &missing) {
		return nil, nil
	}
	return tools, err
}

// AgentToolNames lists the tools referenced by one agent.
func (e *Engine) AgentToolNames(agent string) ([]string, error) {
	var names []string
	err := e.session("agent_tools", false, func(doc *source.Document, _ *slog.Logger) error {
		var err error
		names, err = e.adapter.AgentToolNames(doc, agent)
		return err
	})
	return names, err
}

// AgentNames lists the agent members of the entrypoint in source order.
func (e *Engine) AgentNames() ([]string, error) {
	var names []string
	err := e.session("agent_names", false, func(doc *source.Document, _ *slog.Logger) error {
		var err error
		names, err = e.adapter.AgentNames(doc)
		return err
	})
	return names, err
}

// TaskNames lists the task members of the entrypoint in source order.
func (e *Engine) TaskNames() ([]string, error) {
	var names []string
	err := e.session("task_names", false, func(doc *source.Document, _ *slog.Logger) error {
		var err error
		names, err = e.adapter.TaskNames(doc)
		return err
	})
	return names, err
}

// Inspect summarizes the project without modifying it. Structural
// validation failures are reported in State rather than returned.
func (e *Engine) Inspect() (*model.Inspection, error) {
	agents, err := descriptor.LoadAgents(e.cfg.Dir)
	if err != nil {
		return nil, err
	}
	tasks, err := descriptor.LoadTasks(e.cfg.Dir)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(e.cfg.Dir, e.Entrypoint())
	if err != nil {
		rel = e.adapter.Entrypoint()
	}
	out := &model.Inspection{
		Project:    filepath.Base(e.cfg.Dir),
		Framework:  e.adapter.Name(),
		Entrypoint: filepath.ToSlash(rel),
	}

	err = e.session("inspect", false, func(doc *source.Document, log *slog.Logger) error {
		state, verr := e.adapter.ValidateProject(doc)
		out.State = state.String()
		if verr != nil {
			log.Warn("project is not valid", "err", verr)
			if state < validation.NoTaskMembers {
				return nil
			}
		}

		agentNames, err := e.adapter.AgentNames(doc)
		if err != nil {
			return err
		}
		toolAgents := make(map[string][]string)
		for _, name := range agentNames {
			info := model.AgentInfo{Name: name, Defined: true}
			if d, ok := agents.Get(name); ok {
				info.Declared = true
				info.LLM = d.LLM()
			}
			info.Tools, err = e.agentTools(doc, name)
			if err != nil {
				log.Warn("reading agent tools", "agent", name, "err", err)
			}
			for _, tool := range info.Tools {
				toolAgents[tool] = append(toolAgents[tool], name)
			}
			out.Agents = append(out.Agents, info)
		}
		for _, name := range agents.Names() {
			if !slices.Contains(agentNames, name) {
				d, _ := agents.Get(name)
				out.Agents = append(out.Agents, model.AgentInfo{Name: name, LLM: d.LLM(), Declared: true})
			}
		}

		taskNames, err := e.adapter.TaskNames(doc)
		if err != nil {
			return err
		}
		for _, name := range taskNames {
			info := model.TaskInfo{Name: name, Defined: true}
			if d, ok := tasks.Get(name); ok {
				info.Declared = true
				info.Agent = d.Agent
			}
			out.Tasks = append(out.Tasks, info)
		}
		for _, name := range tasks.Names() {
			if !slices.Contains(taskNames, name) {
				d, _ := tasks.Get(name)
				out.Tasks = append(out.Tasks, model.TaskInfo{Name: name, Agent: d.Agent, Declared: true})
			}
		}

		out.Tools = e.toolInfo(toolAgents)

		if ga, ok := e.adapter.(grammar.GraphAdapter); ok {
			edges, err := ga.Graph(doc)
			if err != nil {
				return err
			}
			for _, edge := range edges {
				out.Edges = append(out.Edges, model.GraphEdge{
					Source:      edge.Source.Name,
					Target:      edge.Target.Name,
					Conditional: edge.Conditional,
				})
			}
			for _, n := range graph.Order(edges) {
				out.Order = append(out.Order, n.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// toolInfo lists installed tools first, in config order, then any tool
// referenced in the entrypoint but not recorded as installed.
func (e *Engine) toolInfo(toolAgents map[string][]string) []model.ToolInfo {
	names := append([]string(nil), e.cfg.Tools...)
	var extra []string
	for name := range toolAgents {
		if !slices.Contains(names, name) {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	names = append(names, extra...)

	out := make([]model.ToolInfo, 0, len(names))
	for _, name := range names {
		info := model.ToolInfo{Name: name, Agents: toolAgents[name]}
		if tool, err := e.catalog.Get(name); err == nil {
			info.Category = tool.Category
		}
		out = append(out, info)
	}
	return out
}
