// Package tools routes assistant tool calls to the course catalog handlers.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"course-concierge/internal/domain"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                      `json:"name"`
	Description string                                                      `json:"description"`
	Parameters  map[string]any                                              `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// Observer is notified after every execution. status is "success" or an error code.
type Observer func(tool, status string, elapsed time.Duration)

// Router holds the closed set of tools the assistant may call.
type Router struct {
	tools    map[string]*Tool
	catalog  *Catalog
	logger   *slog.Logger
	observer Observer
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter creates a router with the catalog tools registered.
func NewRouter(catalog *Catalog, opts ...Option) (*Router, error) {
	if catalog == nil {
		return nil, errors.New("tools: catalog must not be nil")
	}
	r := &Router{
		tools:   make(map[string]*Tool),
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerBuiltins()
	return r, nil
}

func (r *Router) registerBuiltins() {
	r.register(&Tool{
		Name:        "search_courses",
		Description: "Search the course catalog by free text and/or level. Returns short course summaries.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Keywords such as a technology or topic (e.g. python, aws, datos)",
				},
				"level": map[string]any{
					"type":        "string",
					"description": "Course level",
					"enum":        r.catalog.Levels(),
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of courses to return (default 5)",
				},
			},
		},
		Handler: r.handleSearchCourses,
	})

	r.register(&Tool{
		Name:        "get_course_details",
		Description: "Fetch the full record of one course, including syllabus, duration and price.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"course_id": map[string]any{
					"type":        "string",
					"description": "The course id returned by search_courses",
				},
			},
			"required": []string{"course_id"},
		},
		Handler: r.handleCourseDetails,
	})
}

func (r *Router) register(t *Tool) {
	r.tools[t.Name] = t
}

// Definitions lists the registered tools sorted by name, for assistant setup.
func (r *Router) Definitions() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call and always returns a JSON payload. Failures are
// encoded as {"error": ...} so the run can resume.
func (r *Router) Execute(ctx context.Context, name string, rawArgs json.RawMessage) string {
	start := time.Now()
	out, code := r.execute(ctx, name, rawArgs)
	status := "success"
	if code != "" {
		status = code
	}
	if r.observer != nil {
		r.observer(name, status, time.Since(start))
	}
	return out
}

func (r *Router) execute(ctx context.Context, name string, rawArgs json.RawMessage) (out string, code string) {
	tool, ok := r.tools[name]
	if !ok {
		err := &ErrToolUnavailable{ToolName: name}
		r.logger.Warn("unrecognized tool call", "tool", name)
		return encodeError(codeUnrecognizedTool, name, err.Error()), codeUnrecognizedTool
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		r.logger.Warn("invalid tool arguments", "tool", name, "err", err)
		return encodeError(codeInvalidArguments, name, err.Error()), codeInvalidArguments
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool", name, "panic", p)
			out, code = encodeError(codeToolFailed, name, fmt.Sprint(p)), codeToolFailed
		}
	}()

	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "err", err)
		return encodeError(codeToolFailed, name, err.Error()), codeToolFailed
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return encodeError(codeToolFailed, name, "marshal result: "+err.Error()), codeToolFailed
	}
	return string(buf), ""
}

// ExecuteBatch runs every invocation concurrently and returns exactly one
// result per invocation, in input order.
func (r *Router) ExecuteBatch(ctx context.Context, calls []domain.ToolInvocation) ([]domain.ToolResult, error) {
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("%w: invocation without id (tool %q)", ErrIncompleteBatch, c.Name)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate invocation id %q", ErrIncompleteBatch, c.ID)
		}
		seen[c.ID] = true
	}

	results := make([]domain.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call domain.ToolInvocation) {
			defer wg.Done()
			results[i] = domain.ToolResult{
				InvocationID: call.ID,
				Output:       r.Execute(ctx, call.Name, call.Arguments),
			}
		}(i, call)
	}
	wg.Wait()

	for i, res := range results {
		if res.InvocationID != calls[i].ID || res.Output == "" {
			return nil, fmt.Errorf("%w: missing result for %q", ErrIncompleteBatch, calls[i].ID)
		}
	}
	return results, nil
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func encodeError(code, tool, msg string) string {
	buf, err := json.Marshal(errorPayload{Error: code, Tool: tool, Message: msg})
	if err != nil {
		return `{"error":"` + code + `"}`
	}
	return string(buf)
}

func (r *Router) handleSearchCourses(_ context.Context, args map[string]any) (any, error) {
	query, err := optionalString(args, "query")
	if err != nil {
		return nil, err
	}
	level, err := optionalString(args, "level")
	if err != nil {
		return nil, err
	}
	limit := defaultSearchLimit
	if v, ok := args["limit"]; ok {
		n, ok := v.(float64)
		if !ok || n < 1 || n != math.Trunc(n) {
			return nil, errors.New("limit must be a positive integer")
		}
		limit = int(math.Min(n, maxSearchLimit))
	}
	courses := r.catalog.Search(query, level, limit)
	return map[string]any{
		"count":   len(courses),
		"courses": courses,
	}, nil
}

func (r *Router) handleCourseDetails(_ context.Context, args map[string]any) (any, error) {
	id, err := optionalString(args, "course_id")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.New("course_id is required")
	}
	return r.catalog.Get(id)
}

func optionalString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(s), nil
}
