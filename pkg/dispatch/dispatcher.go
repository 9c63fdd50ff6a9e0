// Package dispatch drives the model and tool exchange for analyze calls.
// The loop is a small state machine bounded by a turn budget and a wall
// clock; with an unreachable model it degrades to the rule-based analyzer
// instead of failing.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/llm"
	"github.com/akfin/datagate/pkg/table"
)

// State of the analyze loop.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateDegraded
)

// Defaults for the loop bounds.
const (
	DefaultMaxTurns = 6
	DefaultDeadline = 60 * time.Second
)

// ToolExecutor is the tool registry surface the dispatcher needs.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, caller, name string, args map[string]any) (string, error)
}

// DataFetcher feeds the rule-based fallback path.
type DataFetcher interface {
	GetOrCompute(ctx context.Context, iface string, params map[string]string) (*table.Table, error)
}

// Options tune the dispatcher. Zero values take the defaults.
type Options struct {
	MaxTurns int
	Deadline time.Duration
	Logger   *slog.Logger
}

// Dispatcher is safe for concurrent use; each Analyze call drives its own
// loop.
type Dispatcher struct {
	client   llm.Client
	tools    ToolExecutor
	fetch    DataFetcher
	maxTurns int
	deadline time.Duration
	log      *slog.Logger

	now func() time.Time
}

// New builds a dispatcher. client may be nil, in which case every analyze
// call runs the rule-based path.
func New(client llm.Client, tools ToolExecutor, fetch DataFetcher, opts Options) *Dispatcher {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		tools:    tools,
		fetch:    fetch,
		maxTurns: opts.MaxTurns,
		deadline: opts.Deadline,
		log:      opts.Logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

const systemPreamble = `你是一名金融数据分析助手。你可以通过提供的工具获取市场数据和用户上传的数据文件。
回答时先调用所需工具获取数据, 再输出分析结论。
最终回答请输出一个 ` + "```json" + ` 代码块, 包含字段:
summary (字符串摘要), insights (字符串数组), recommendations (字符串数组),
risk_level (取值 低风险/中等风险/高风险), confidence (0 到 1 的数值),
charts_suggested (建议图表类型数组)。
如果无法输出 JSON, 请使用 摘要/洞察/建议/风险/置信度 的分节格式。`

// Analyze runs the model and tool loop for query as caller. With useLLM
// false or no model configured it goes straight to the rule-based path.
// The model path degrades to the same fallback when the model is
// unreachable before any answer was produced.
func (d *Dispatcher) Analyze(ctx context.Context, caller, query string, useLLM bool) (*Envelope, error) {
	if !useLLM || d.client == nil {
		return d.fallbackAnalyze(ctx, caller, query)
	}

	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	history := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPreamble},
		{Role: llm.RoleUser, Content: query},
	}

	state := StateAwaitingModel
	var lastContent string

	for turn := 0; turn < d.maxTurns; turn++ {
		if ctx.Err() != nil {
			d.log.Warn("analysis wall clock exhausted", "turn", turn)
			state = StateDegraded
			break
		}
		resp, err := d.client.Chat(ctx, history, d.tools.Definitions())
		if err != nil {
			if lastContent != "" {
				// A partial answer beats the templated fallback.
				d.log.Warn("model lost mid-loop, synthesizing from partial answer", "error", err)
				return ParseEnvelope(lastContent), nil
			}
			state = StateDegraded
			d.log.Warn("model unreachable, degrading to rule-based analysis",
				"turn", turn, "error", err)
			break
		}

		if len(resp.ToolCalls) == 0 {
			state = StateDone
			lastContent = resp.Content
			break
		}

		state = StateExecutingTools
		lastContent = resp.Content
		history = append(history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		history = append(history, d.executeBatch(ctx, caller, resp.ToolCalls)...)
		state = StateAwaitingModel
	}

	switch state {
	case StateDone:
		return ParseEnvelope(lastContent), nil
	case StateDegraded:
		env, err := d.fallbackAnalyze(ctx, caller, query)
		if err != nil {
			return nil, fmt.Errorf("%w: degraded analysis failed: %v", api.ErrModelUnreachable, err)
		}
		return env, nil
	default:
		// Turn budget exhausted while the model kept calling tools.
		d.log.Warn("turn budget exhausted", "max_turns", d.maxTurns)
		if lastContent != "" {
			return ParseEnvelope(lastContent), nil
		}
		return d.fallbackAnalyze(ctx, caller, query)
	}
}

// executeBatch runs one tool-call batch in parallel. History entries come
// back in emission-index order regardless of completion order, so replays
// of the same exchange are deterministic.
func (d *Dispatcher) executeBatch(ctx context.Context, caller string, calls []llm.ToolCall) []llm.Message {
	results := make([]string, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := d.tools.Execute(gctx, caller, call.Name, call.Arguments)
			if err != nil {
				// Tool failures are data for the model, not loop failures.
				payload, _ := json.Marshal(map[string]string{"error": err.Error()})
				out = string(payload)
				d.log.Debug("tool call failed", "tool", call.Name, "error", err)
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	msgs := make([]llm.Message, len(calls))
	for i, call := range calls {
		msgs[i] = llm.Message{
			Role:       llm.RoleTool,
			Content:    results[i],
			ToolCallID: call.ID,
			Name:       call.Name,
		}
	}
	return msgs
}

// Chat is the plain passthrough used by the chat endpoint. No tools, no
// envelope synthesis.
func (d *Dispatcher) Chat(ctx context.Context, prompt string) (string, error) {
	if d.client == nil {
		return "", fmt.Errorf("%w: no model configured", api.ErrModelUnreachable)
	}
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	resp, err := d.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		if errors.Is(err, api.ErrModelUnreachable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", api.ErrModelUnreachable, err)
	}
	return strings.TrimSpace(resp.Content), nil
}
