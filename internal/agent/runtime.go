package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/auth"
	"github.com/percolationlabs/percolate/internal/jobs"
	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/internal/stream"
	"github.com/percolationlabs/percolate/internal/tools"
	"github.com/percolationlabs/percolate/pkg/models"
)

// MaxTurns caps the tool-use loop per request.
const MaxTurns = 10

// Runtime executes agents: it assembles the context window (system prompt,
// on_load rows, declared tools), streams model turns through the provider
// proxy, dispatches requested tool calls, and audits every turn in the
// background.
type Runtime struct {
	store        store.Store
	loader       *Loader
	providers    *llm.Registry
	tools        *tools.Registry
	jobs         *jobs.Pool
	defaultModel string
}

// NewRuntime wires the runtime and binds it as the registry's agent-proxy
// dispatcher.
func NewRuntime(st store.Store, loader *Loader, providers *llm.Registry, registry *tools.Registry, pool *jobs.Pool, defaultModel string) *Runtime {
	rt := &Runtime{
		store:        st,
		loader:       loader,
		providers:    providers,
		tools:        registry,
		jobs:         pool,
		defaultModel: defaultModel,
	}
	registry.BindAgentInvoker(rt)
	return rt
}

// Loader exposes the loader chain for registration of hooks and built-ins.
func (rt *Runtime) Loader() *Loader { return rt.loader }

// RunOptions tunes one execution.
type RunOptions struct {
	// SessionID groups the audit rows of a conversation.
	SessionID string

	// Writer streams canonical chunks to the client. Nil for internal
	// (agent-proxy) turns.
	Writer *stream.SSEWriter

	// Relay controls what the client sees of tool-use traffic.
	Relay stream.RelayOptions

	// Depth is the agent-proxy nesting level of this run.
	Depth int
}

// Result is the final outcome of a run.
type Result struct {
	Content string       `json:"content"`
	Usage   models.Usage `json:"usage"`
	Turns   int          `json:"turns"`
}

// Run executes the tool-use loop for a resolved agent.
func (rt *Runtime) Run(ctx context.Context, agent *models.Agent, req *models.ChatRequest, identity *auth.Context, opts RunOptions) (*Result, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	model := req.Model
	if model == "" || strings.EqualFold(model, "default") {
		model = rt.defaultModel
	}

	messages, err := rt.buildMessages(ctx, agent, req.Messages)
	if err != nil {
		return nil, err
	}

	roleLevel := models.RoleLevelPublic
	if identity != nil {
		roleLevel = identity.RoleLevel
	}
	toolSpecs, err := rt.tools.SpecsFor(ctx, agent.Functions, roleLevel)
	if err != nil {
		return nil, fmt.Errorf("resolve agent tools: %w", err)
	}

	result := &Result{}
	start := time.Now()

	for turn := 1; turn <= MaxTurns; turn++ {
		result.Turns = turn

		turnReq := &models.ChatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       toolSpecs,
		}
		upstream, err := rt.providers.StreamChat(ctx, turnReq)
		if err != nil {
			return result, fmt.Errorf("open stream (turn %d): %w", turn, err)
		}

		var sink stream.Sink
		if opts.Writer != nil {
			sink = stream.ClientSink(opts.Writer, opts.Relay)
		}
		acc, err := stream.Pump(ctx, upstream, rt.providers.IdleTimeout(), sink)
		if err != nil {
			return result, fmt.Errorf("stream (turn %d): %w", turn, err)
		}
		result.Usage.Add(acc.Usage())

		assistant := acc.Message()

		if !acc.HasToolCalls() {
			rt.audit(agent, identity, opts.SessionID, model, assistant, acc.Usage(), nil)
			result.Content = assistant.Content
			log.Info().
				Str("agent", agent.Name).
				Int("turns", turn).
				Int64("total_ms", time.Since(start).Milliseconds()).
				Msg("agent run complete")
			return result, nil
		}

		messages = append(messages, assistant)
		responses := make([]string, 0, len(assistant.ToolCalls))
		for _, call := range assistant.ToolCalls {
			output := rt.dispatch(ctx, call, roleLevel, opts)
			responses = append(responses, output)
			messages = append(messages, models.ChatMessage{
				Role:       "tool",
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				Content:    output,
			})
		}
		rt.audit(agent, identity, opts.SessionID, model, assistant, acc.Usage(), responses)

		log.Debug().
			Str("agent", agent.Name).
			Int("turn", turn).
			Int("tool_calls", len(assistant.ToolCalls)).
			Msg("tool-use loop continuing")
	}

	result.Content = fmt.Sprintf("[max turns (%d) reached]", MaxTurns)
	log.Warn().Str("agent", agent.Name).Int("max_turns", MaxTurns).Msg("agent hit max turns")
	return result, nil
}

// dispatch runs one tool call, announcing start and completion to the
// client. Invocation errors become tool output so the model can recover.
func (rt *Runtime) dispatch(ctx context.Context, call models.ToolCall, roleLevel int, opts RunOptions) string {
	stream.AnnounceCall(opts.Writer, stream.FunctionCallAnnouncement{
		Name:   call.Function.Name,
		CallID: call.ID,
		Status: "started",
	})

	start := time.Now()
	output, err := rt.tools.Invoke(ctx, call, roleLevel, opts.Depth)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		log.Warn().Err(err).Str("tool", call.Function.Name).Msg("tool invocation failed")
		stream.AnnounceCall(opts.Writer, stream.FunctionCallAnnouncement{
			Name:      call.Function.Name,
			CallID:    call.ID,
			Status:    "failed",
			Error:     err.Error(),
			ElapsedMS: elapsed,
		})
		return fmt.Sprintf("Error: %s", err.Error())
	}

	stream.AnnounceCall(opts.Writer, stream.FunctionCallAnnouncement{
		Name:      call.Function.Name,
		CallID:    call.ID,
		Status:    "completed",
		ElapsedMS: elapsed,
	})
	return output
}

// buildMessages assembles the context window: the agent's system prompt
// plus structured-output instructions, on_load rows as context, then the
// caller's messages.
func (rt *Runtime) buildMessages(ctx context.Context, agent *models.Agent, incoming []models.ChatMessage) ([]models.ChatMessage, error) {
	var system strings.Builder
	system.WriteString(agent.SystemPrompt())

	if len(agent.Spec) > 0 {
		schema, err := json.Marshal(agent.Spec)
		if err != nil {
			return nil, fmt.Errorf("encode agent spec: %w", err)
		}
		system.WriteString("\n\nRespond with JSON conforming to this schema:\n")
		system.Write(schema)
	}

	if sql := agent.OnLoadSQL(); sql != "" {
		rows, err := rt.store.RunOnLoad(ctx, sql)
		if err != nil {
			// on_load context is best-effort; the agent still runs without it
			log.Warn().Err(err).Str("agent", agent.Name).Msg("on_load query failed")
		} else if len(rows) > 0 {
			encoded, err := json.Marshal(rows)
			if err != nil {
				return nil, fmt.Errorf("encode on_load rows: %w", err)
			}
			system.WriteString("\n\nContext data:\n")
			system.Write(encoded)
		}
	}

	messages := make([]models.ChatMessage, 0, len(incoming)+1)
	if system.Len() > 0 {
		messages = append(messages, models.ChatMessage{Role: "system", Content: system.String()})
	}
	for _, m := range incoming {
		if m.Role == "system" {
			// the agent definition owns the system prompt
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// audit appends one AI response row in the background. The pool's context
// outlives the request so finished streams still get recorded.
func (rt *Runtime) audit(agent *models.Agent, identity *auth.Context, sessionID, model string, msg models.ChatMessage, usage models.Usage, toolResponses []string) {
	row := &models.AIResponse{
		ID:            uuid.New(),
		SessionID:     sessionID,
		Role:          msg.Role,
		Content:       msg.Content,
		ToolCalls:     msg.ToolCalls,
		ToolResponses: toolResponses,
		TokensIn:      usage.PromptTokens,
		TokensOut:     usage.CompletionTokens,
		ModelName:     model,
		Status:        "completed",
		CreatedAt:     time.Now().UTC(),
	}
	var scope store.UserContext
	if identity != nil {
		id := identity.UserID
		row.UserID = &id
		scope = identity.UserContext()
	}

	err := rt.jobs.Submit(func(ctx context.Context) {
		ctx = store.WithUserContext(ctx, scope)
		if err := rt.store.CreateAIResponse(ctx, row); err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("audit write failed")
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("agent", agent.Name).Msg("audit row dropped")
	}
}

// InvokeAgent dispatches an agent-proxy tool call: the named agent runs an
// internal (non-streaming to the client) turn with the prompt as its user
// message.
func (rt *Runtime) InvokeAgent(ctx context.Context, agentName, prompt string, depth int) (string, error) {
	target, err := rt.loader.Load(ctx, agentName)
	if err != nil {
		return "", fmt.Errorf("load agent %q: %w", agentName, err)
	}

	var identity *auth.Context
	if ac := auth.FromContext(ctx); ac != nil {
		identity = ac
	}

	req := &models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: prompt}},
	}
	result, err := rt.Run(ctx, target, req, identity, RunOptions{Depth: depth})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

var _ tools.AgentInvoker = (*Runtime)(nil)
