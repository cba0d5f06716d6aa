package grammar

import (
	"log/slog"
	"regexp"
)

const (
	stackMarkerAgent = "agentstack.agent"
	stackMarkerTask  = "agentstack.task"
)

// CrewAI is the sequential-crew grammar: a @CrewBase class whose @agent
// methods build Agent(tools=[...]) and whose @crew method assembles them.
func CrewAI(logger *slog.Logger) *Grammar {
	g := &Grammar{
		ID:              "crewai",
		Display:         "CrewAI",
		Path:            "src/crew.py",
		TypeMarker:      "CrewBase",
		TypeConstruct:   "`@CrewBase` decorated class",
		MethodMarker:    "crew",
		MethodConstruct: "`@crew` decorated method",
		AgentMarker:     "agent",
		TaskMarker:      "task",
		ToolCall:        "Agent",
		ToolKeyword:     "tools",
		log:             logger.With("framework", "crewai"),
	}
	g.loadTemplates()
	return g
}

// OpenAISwarm is the handoff-swarm grammar: a <Name>Stack class whose agent
// methods build Agent(functions=[...]).
func OpenAISwarm(logger *slog.Logger) *Grammar {
	g := &Grammar{
		ID:              "openai_swarm",
		Display:         "OpenAI Swarm",
		Path:            "src/stack.py",
		TypePattern:     regexp.MustCompile(`\w+Stack$`),
		TypeConstruct:   "`<FooBar>Stack` class",
		MethodName:      "run",
		MethodConstruct: "`run` method",
		RequireInputs:   true,
		AgentMarker:     stackMarkerAgent,
		TaskMarker:      stackMarkerTask,
		ToolCall:        "Agent",
		ToolKeyword:     "functions",
		Providers: map[string]Provider{
			"openai": {Class: "Agent"},
		},
		log: logger.With("framework", "openai_swarm"),
	}
	g.loadTemplates()
	return g
}

// LlamaIndex is the workflow grammar: a <Name>Stack class whose agent
// methods build FunctionAgent(tools=[...]) around a provider LLM.
func LlamaIndex(logger *slog.Logger) *Grammar {
	g := &Grammar{
		ID:              "llamaindex",
		Display:         "LlamaIndex",
		Path:            "src/stack.py",
		TypePattern:     regexp.MustCompile(`\w+Stack$`),
		TypeConstruct:   "`<FooBar>Stack` class",
		MethodName:      "run",
		MethodConstruct: "`run` method",
		RequireInputs:   true,
		AgentMarker:     stackMarkerAgent,
		TaskMarker:      stackMarkerTask,
		ToolCall:        "FunctionAgent",
		ToolKeyword:     "tools",
		Providers: map[string]Provider{
			"openai":    {Class: "OpenAI", Module: "llama_index.llms.openai"},
			"anthropic": {Class: "Anthropic", Module: "llama_index.llms.anthropic"},
			"google":    {Class: "Gemini", Module: "llama_index.llms.gemini"},
			"mistral":   {Class: "MistralAI", Module: "llama_index.llms.mistralai"},
			"ollama":    {Class: "Ollama", Module: "llama_index.llms.ollama"},
			"groq":      {Class: "Groq", Module: "llama_index.llms.groq"},
		},
		ImportProvider: true,
		log:            logger.With("framework", "llamaindex"),
	}
	g.loadTemplates()
	return g
}
