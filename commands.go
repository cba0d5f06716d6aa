package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/stackpatch/internal/descriptor"
	"github.com/phobologic/stackpatch/internal/engine"
	"github.com/phobologic/stackpatch/internal/grammar"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/project"
	"github.com/phobologic/stackpatch/internal/toon"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	path      string
	logLevel  string
	logFormat string

	stderr io.Writer
	log    *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr}

	root := &cobra.Command{
		Use:   "stackpatch",
		Short: "Add agents, tasks and tools to an agent project's entrypoint",
		Long: `stackpatch edits the Python entrypoint of a generated agent project in
place. It understands crewai, langgraph, openai_swarm, llamaindex and
agent_protocol projects and keeps src/config/agents.yaml and
src/config/tasks.yaml in step with the code.

Every command runs against the project in --path (default: the current
directory), which must contain an agentstack.json.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(a.stderr, a.logLevel, a.logFormat)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.path, "path", "p", ".", "project directory")
	pf.String("framework", "", "override the project's framework")
	pf.String("tools-dir", "", "override the tool catalog directory")
	pf.StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format (text or json)")

	root.AddCommand(
		a.validateCmd(),
		a.inspectCmd(),
		a.agentCmd(),
		a.taskCmd(),
		a.toolCmd(),
		a.checkCmd(),
		a.initCmd(),
	)
	return root
}

// project loads the project config, applying any flag overrides of cmd.
func (a *app) project(cmd *cobra.Command) (*project.Config, error) {
	return project.Load(a.path, project.WithFlags(cmd.Flags()))
}

// engine builds an engine for the project in --path.
func (a *app) engine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := a.project(cmd)
	if err != nil {
		return nil, err
	}
	catalog, err := descriptor.LoadCatalog(cfg.ToolsDir)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, grammar.NewRegistry(a.log), catalog, a.log)
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the entrypoint has the structure stackpatch edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			state, err := e.Validate()
			if err != nil {
				return fmt.Errorf("%w (%s)", err, state)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.Adapter().DisplayName(), state)
			return nil
		},
	}
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the project's agents, tasks and tools",
		Long: `Print the agents, tasks and tools the entrypoint defines next to what the
descriptor stores declare. Graph frameworks also print their edges and a
topological order of nodes. The output is TOON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			in, err := e.Inspect()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), toon.Encode(in))
			return nil
		},
	}
}

func (a *app) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}

	var agent model.AgentDescriptor
	var llm, position string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an agent to the entrypoint and agents.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, modelName, err := descriptor.ParseLLM(llm)
			if err != nil {
				return err
			}
			if agent.Position, err = model.ParsePosition(position); err != nil {
				return err
			}
			agent.Name = args[0]
			agent.Provider, agent.Model = provider, modelName

			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			if err := e.AddAgent(agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added agent %s\n", agent.Name)
			return nil
		},
	}
	add.Flags().StringVar(&agent.Role, "role", "", "agent role")
	add.Flags().StringVar(&agent.Goal, "goal", "", "agent goal")
	add.Flags().StringVar(&agent.Backstory, "backstory", "", "agent backstory")
	add.Flags().StringVar(&llm, "llm", "", "model as provider/model (default: the project's default_model)")
	add.Flags().StringVar(&position, "position", "end", "where the agent joins a graph's run order (begin or end)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the agents defined in the entrypoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			names, err := e.AgentNames()
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), names)
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	var task model.TaskDescriptor
	var position string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a task to the entrypoint and tasks.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if task.Position, err = model.ParsePosition(position); err != nil {
				return err
			}
			task.Name = args[0]
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			if err := e.AddTask(task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added task %s\n", task.Name)
			return nil
		},
	}
	add.Flags().StringVar(&task.Description, "description", "", "task description")
	add.Flags().StringVar(&task.ExpectedOutput, "expected-output", "", "what the task should produce")
	add.Flags().StringVar(&task.Agent, "agent", "", "agent that runs the task (default: the first agent)")
	add.Flags().StringVar(&position, "position", "end", "where the task joins a graph's run order (begin or end)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tasks defined in the entrypoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			names, err := e.TaskNames()
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), names)
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Manage the tools agents can call",
	}

	var addAgents []string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Give agents a tool from the catalog",
		Long: `Add a catalog tool to the tool list of each --agent, or of every agent
when --agent is not given, and record it in agentstack.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			if err := e.AddTool(args[0], addAgents...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added tool %s\n", args[0])
			return nil
		},
	}
	add.Flags().StringArrayVar(&addAgents, "agent", nil, "agent to give the tool to (repeatable)")

	var removeAgents []string
	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Take a tool away from agents",
		Long: `Remove a tool from each --agent, or from every agent that uses it. The
tool is dropped from agentstack.json once no agent references it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine(cmd)
			if err != nil {
				return err
			}
			if err := e.RemoveTool(args[0], removeAgents...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed tool %s\n", args[0])
			return nil
		},
	}
	remove.Flags().StringArrayVar(&removeAgents, "agent", nil, "agent to remove the tool from (repeatable)")

	var listAgent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog tools, or the tools of one agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listAgent != "" {
				e, err := a.engine(cmd)
				if err != nil {
					return err
				}
				names, err := e.AgentToolNames(listAgent)
				if err != nil {
					return err
				}
				printLines(cmd.OutOrStdout(), names)
				return nil
			}

			cfg, err := a.project(cmd)
			if err != nil {
				return err
			}
			catalog, err := descriptor.LoadCatalog(cfg.ToolsDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			styles := newCatalogStyles(out)
			for _, name := range catalog.Names() {
				tool, err := catalog.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, styles.row(cfg.HasTool(name), name, tool.Category, strings.Join(tool.Callables, ", ")))
			}
			return nil
		},
	}
	list.Flags().StringVar(&listAgent, "agent", "", "list the tools this agent is given instead")

	cmd.AddCommand(add, remove, list)
	return cmd
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
