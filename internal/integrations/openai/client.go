package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"course-concierge/internal/domain"
	"course-concierge/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	roleUser       = "user"
	roleAssistant  = "assistant"
	messagePage    = 10
)

// ErrNotFound means the backend answered but had no such object.
var ErrNotFound = errors.New("openai: not found")

// assistantsAPI is the subset of *gopenai.Client used by Client.
type assistantsAPI interface {
	CreateThread(ctx context.Context, req gopenai.ThreadRequest) (gopenai.Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (gopenai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, req gopenai.MessageRequest) (gopenai.Message, error)
	CreateRun(ctx context.Context, threadID string, req gopenai.RunRequest) (gopenai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (gopenai.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (gopenai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, req gopenai.SubmitToolOutputsRequest) (gopenai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (gopenai.MessagesList, error)
	RetrieveAssistant(ctx context.Context, assistantID string) (gopenai.Assistant, error)
	ModifyAssistant(ctx context.Context, assistantID string, req gopenai.AssistantRequest) (gopenai.Assistant, error)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// RemoteError is a transport or backend failure, distinct from ErrNotFound.
type RemoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("openai: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("openai: %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) HTTPStatusCode() int { return e.StatusCode }

// Client drives OpenAI Assistants threads and runs.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	mu          sync.Mutex
	api         assistantsAPI
	assistantID string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// withAPI bypasses SSM and SDK construction; tests only.
func withAPI(api assistantsAPI, assistantID string) Option {
	return func(c *Client) {
		c.api = api
		c.assistantID = assistantID
	}
}

// NewClient creates a Client backed by the given Getter for the API key and
// assistant id. Both are fetched on first use and reused for the process lifetime.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolve builds the SDK client on first successful use. A failed secret
// fetch is not cached; the next call tries again.
func (c *Client) resolve(ctx context.Context) (assistantsAPI, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, c.assistantID, nil
	}
	apiKey, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.paramPrefix+"/open-ai-token")
	if err != nil {
		return nil, "", err
	}
	assistantID, err := c.getter.GetParameter(ctx, c.paramPrefix+"/assistant-id")
	if err != nil {
		return nil, "", fmt.Errorf("openai: fetch assistant id: %w", err)
	}
	cfg := gopenai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = strings.TrimRight(c.baseURL, "/")
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	cfg.AssistantVersion = "v2"
	c.api = gopenai.NewClientWithConfig(cfg)
	c.assistantID = strings.TrimSpace(assistantID)
	return c.api, c.assistantID, nil
}

// CreateContext creates a new thread.
func (c *Client) CreateContext(ctx context.Context) (string, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	th, err := api.CreateThread(ctx, gopenai.ThreadRequest{})
	if err != nil {
		return "", remoteError("create thread", err)
	}
	if th.ID == "" {
		return "", &RemoteError{Op: "create thread", Err: errors.New("empty thread id")}
	}
	return th.ID, nil
}

// ValidateContext reports whether the thread still exists remotely.
func (c *Client) ValidateContext(ctx context.Context, contextID string) (bool, error) {
	if strings.TrimSpace(contextID) == "" {
		return false, nil
	}
	api, _, err := c.resolve(ctx)
	if err != nil {
		return false, err
	}
	if _, err := api.RetrieveThread(ctx, contextID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, remoteError("retrieve thread", err)
	}
	return true, nil
}

// AppendUserTurn adds a user message to the thread and returns its id.
func (c *Client) AppendUserTurn(ctx context.Context, contextID, text string) (string, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	msg, err := api.CreateMessage(ctx, contextID, gopenai.MessageRequest{Role: roleUser, Content: text})
	if err != nil {
		return "", remoteError("create message", err)
	}
	return msg.ID, nil
}

// StartRun starts the configured assistant on the thread.
func (c *Client) StartRun(ctx context.Context, contextID string) (string, error) {
	api, assistantID, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	run, err := api.CreateRun(ctx, contextID, gopenai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return "", remoteError("create run", err)
	}
	return run.ID, nil
}

// FetchRunStatus returns the current run snapshot.
func (c *Client) FetchRunStatus(ctx context.Context, contextID, runID string) (domain.Run, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	run, err := api.RetrieveRun(ctx, contextID, runID)
	if err != nil {
		if isNotFound(err) {
			return domain.Run{}, &RemoteError{Op: "retrieve run", StatusCode: http.StatusNotFound, Err: ErrNotFound}
		}
		return domain.Run{}, remoteError("retrieve run", err)
	}
	return toDomainRun(contextID, run), nil
}

// SubmitToolResults submits every result for the run in one request.
func (c *Client) SubmitToolResults(ctx context.Context, contextID, runID string, results []domain.ToolResult) error {
	if len(results) == 0 {
		return errors.New("openai: no tool results to submit")
	}
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	outputs := make([]gopenai.ToolOutput, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, gopenai.ToolOutput{ToolCallID: r.InvocationID, Output: r.Output})
	}
	if _, err := api.SubmitToolOutputs(ctx, contextID, runID, gopenai.SubmitToolOutputsRequest{ToolOutputs: outputs}); err != nil {
		return remoteError("submit tool outputs", err)
	}
	return nil
}

// CancelRun asks the backend to stop a run that is no longer awaited.
func (c *Client) CancelRun(ctx context.Context, contextID, runID string) error {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if _, err := api.CancelRun(ctx, contextID, runID); err != nil {
		return remoteError("cancel run", err)
	}
	return nil
}

// FetchLatestAssistantText returns the text of the newest assistant message,
// or "" when the thread has none.
func (c *Client) FetchLatestAssistantText(ctx context.Context, contextID string) (string, error) {
	api, _, err := c.resolve(ctx)
	if err != nil {
		return "", err
	}
	limit := messagePage
	order := "desc"
	list, err := api.ListMessage(ctx, contextID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", remoteError("list messages", err)
	}
	for _, m := range list.Messages {
		if m.Role != roleAssistant {
			continue
		}
		if text := messageText(m); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// Ping checks the assistant is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	api, assistantID, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if _, err := api.RetrieveAssistant(ctx, assistantID); err != nil {
		return remoteError("retrieve assistant", err)
	}
	return nil
}

// FunctionSpec describes one callable function exposed to the assistant.
type FunctionSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SyncFunctions replaces the assistant's function tools with specs. Non-function
// tools such as file_search are kept, and so is the configured model.
func (c *Client) SyncFunctions(ctx context.Context, specs []FunctionSpec) error {
	api, assistantID, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	current, err := api.RetrieveAssistant(ctx, assistantID)
	if err != nil {
		return remoteError("retrieve assistant", err)
	}
	tools := make([]gopenai.AssistantTool, 0, len(specs)+len(current.Tools))
	for _, s := range specs {
		tools = append(tools, gopenai.AssistantTool{
			Type: gopenai.AssistantToolTypeFunction,
			Function: &gopenai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	for _, t := range current.Tools {
		if t.Type != gopenai.AssistantToolTypeFunction {
			tools = append(tools, t)
		}
	}
	if _, err := api.ModifyAssistant(ctx, assistantID, gopenai.AssistantRequest{Model: current.Model, Tools: tools}); err != nil {
		return remoteError("modify assistant", err)
	}
	return nil
}

// citationMarker matches file-search annotations such as 【4:0†source】.
var citationMarker = regexp.MustCompile(`【[^】]*】`)

func messageText(m gopenai.Message) string {
	var parts []string
	for _, content := range m.Content {
		if content.Text == nil {
			continue
		}
		v := strings.TrimSpace(citationMarker.ReplaceAllString(content.Text.Value, ""))
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func toDomainRun(contextID string, r gopenai.Run) domain.Run {
	out := domain.Run{
		ID:        r.ID,
		ContextID: contextID,
		Status:    mapStatus(r.Status),
	}
	if r.ThreadID != "" {
		out.ContextID = r.ThreadID
	}
	if r.LastError != nil {
		out.LastError = fmt.Sprintf("%s: %s", r.LastError.Code, r.LastError.Message)
	}
	if out.Status == domain.RunRequiresAction && r.RequiredAction != nil && r.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, domain.ToolInvocation{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return out
}

func mapStatus(s gopenai.RunStatus) domain.RunStatus {
	switch s {
	case gopenai.RunStatusQueued:
		return domain.RunQueued
	case gopenai.RunStatusInProgress, gopenai.RunStatusCancelling:
		return domain.RunInProgress
	case gopenai.RunStatusRequiresAction:
		return domain.RunRequiresAction
	case gopenai.RunStatusCompleted:
		return domain.RunCompleted
	case gopenai.RunStatusFailed, "incomplete":
		return domain.RunFailed
	case gopenai.RunStatusCancelled:
		return domain.RunCancelled
	case gopenai.RunStatusExpired:
		return domain.RunTimeout
	default:
		return domain.RunError
	}
}

func statusCode(err error) int {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func remoteError(op string, err error) error {
	return &RemoteError{Op: op, StatusCode: statusCode(err), Err: err}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	var tp tokenPayload
	if err := paramstore.GetJSON(ctx, getter, name, &tp); err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
