package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"course-concierge/internal/domain"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	vals   map[string]string
	err    error
	onCall func(name string)
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	if f.onCall != nil {
		f.onCall(name)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.vals[name], nil
}

type fakeAssistants struct {
	thread       gopenai.Thread
	threadErr    error
	retrieveErr  error
	message      gopenai.Message
	messageErr   error
	run          gopenai.Run
	runErr       error
	retrieved    []gopenai.Run
	submitErr    error
	submitted    []gopenai.SubmitToolOutputsRequest
	cancelled    []string
	list         gopenai.MessagesList
	listErr      error
	lastRunReq   gopenai.RunRequest
	lastMsgReq   gopenai.MessageRequest
	assistant    gopenai.Assistant
	assistantErr error
	modified     []gopenai.AssistantRequest
}

func (f *fakeAssistants) CreateThread(context.Context, gopenai.ThreadRequest) (gopenai.Thread, error) {
	return f.thread, f.threadErr
}

func (f *fakeAssistants) RetrieveThread(_ context.Context, id string) (gopenai.Thread, error) {
	return gopenai.Thread{ID: id}, f.retrieveErr
}

func (f *fakeAssistants) CreateMessage(_ context.Context, _ string, req gopenai.MessageRequest) (gopenai.Message, error) {
	f.lastMsgReq = req
	return f.message, f.messageErr
}

func (f *fakeAssistants) CreateRun(_ context.Context, _ string, req gopenai.RunRequest) (gopenai.Run, error) {
	f.lastRunReq = req
	return f.run, f.runErr
}

func (f *fakeAssistants) RetrieveRun(context.Context, string, string) (gopenai.Run, error) {
	if len(f.retrieved) == 0 {
		return gopenai.Run{}, f.runErr
	}
	r := f.retrieved[0]
	f.retrieved = f.retrieved[1:]
	return r, nil
}

func (f *fakeAssistants) CancelRun(_ context.Context, _ string, runID string) (gopenai.Run, error) {
	f.cancelled = append(f.cancelled, runID)
	return gopenai.Run{}, nil
}

func (f *fakeAssistants) SubmitToolOutputs(_ context.Context, _ string, _ string, req gopenai.SubmitToolOutputsRequest) (gopenai.Run, error) {
	f.submitted = append(f.submitted, req)
	return gopenai.Run{}, f.submitErr
}

func (f *fakeAssistants) ListMessage(context.Context, string, *int, *string, *string, *string, *string) (gopenai.MessagesList, error) {
	return f.list, f.listErr
}

func (f *fakeAssistants) RetrieveAssistant(context.Context, string) (gopenai.Assistant, error) {
	return f.assistant, f.assistantErr
}

func (f *fakeAssistants) ModifyAssistant(_ context.Context, _ string, req gopenai.AssistantRequest) (gopenai.Assistant, error) {
	f.modified = append(f.modified, req)
	return gopenai.Assistant{}, nil
}

func newFakeClient(t *testing.T, api *fakeAssistants) *Client {
	t.Helper()
	c, err := NewClient(&fakeGetter{}, "/concierge", withAPI(api, "asst_1"))
	require.NoError(t, err)
	return c
}

func textMessage(role, text string) gopenai.Message {
	return gopenai.Message{
		Role:    role,
		Content: []gopenai.MessageContent{{Type: "text", Text: &gopenai.MessageText{Value: text}}},
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/concierge")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.Error(t, err)

	c, err := NewClient(&fakeGetter{}, "/concierge/")
	require.NoError(t, err)
	require.Equal(t, "/concierge", c.paramPrefix)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

func TestCreateContext(t *testing.T) {
	api := &fakeAssistants{thread: gopenai.Thread{ID: "thread_1"}}
	id, err := newFakeClient(t, api).CreateContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "thread_1", id)

	api = &fakeAssistants{threadErr: &gopenai.APIError{HTTPStatusCode: 503, Message: "overloaded"}}
	_, err = newFakeClient(t, api).CreateContext(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, 503, remote.HTTPStatusCode())
	require.Equal(t, "create thread", remote.Op)
}

func TestValidateContext(t *testing.T) {
	ok, err := newFakeClient(t, &fakeAssistants{}).ValidateContext(context.Background(), "thread_1")
	require.NoError(t, err)
	require.True(t, ok)

	gone := &fakeAssistants{retrieveErr: &gopenai.APIError{HTTPStatusCode: http.StatusNotFound}}
	ok, err = newFakeClient(t, gone).ValidateContext(context.Background(), "thread_1")
	require.NoError(t, err)
	require.False(t, ok)

	broken := &fakeAssistants{retrieveErr: errors.New("dial tcp: timeout")}
	ok, err = newFakeClient(t, broken).ValidateContext(context.Background(), "thread_1")
	require.Error(t, err)
	require.False(t, ok)

	ok, err = newFakeClient(t, &fakeAssistants{}).ValidateContext(context.Background(), "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendUserTurnAndStartRun(t *testing.T) {
	api := &fakeAssistants{message: gopenai.Message{ID: "msg_1"}, run: gopenai.Run{ID: "run_1"}}
	c := newFakeClient(t, api)

	turnID, err := c.AppendUserTurn(context.Background(), "thread_1", "hola")
	require.NoError(t, err)
	require.Equal(t, "msg_1", turnID)
	require.Equal(t, "user", api.lastMsgReq.Role)
	require.Equal(t, "hola", api.lastMsgReq.Content)

	runID, err := c.StartRun(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Equal(t, "run_1", runID)
	require.Equal(t, "asst_1", api.lastRunReq.AssistantID)
}

func TestFetchRunStatus_RequiresAction(t *testing.T) {
	api := &fakeAssistants{retrieved: []gopenai.Run{{
		ID:       "run_1",
		ThreadID: "thread_1",
		Status:   gopenai.RunStatusRequiresAction,
		RequiredAction: &gopenai.RunRequiredAction{
			SubmitToolOutputs: &gopenai.SubmitToolOutputs{ToolCalls: []gopenai.ToolCall{
				{ID: "call_1", Type: gopenai.ToolTypeFunction, Function: gopenai.FunctionCall{Name: "search_courses", Arguments: `{"level":"beginner"}`}},
				{ID: "call_2", Type: gopenai.ToolTypeFunction, Function: gopenai.FunctionCall{Name: "get_course_details", Arguments: `{"course_id":"go-101"}`}},
			}},
		},
	}}}

	run, err := newFakeClient(t, api).FetchRunStatus(context.Background(), "thread_1", "run_1")
	require.NoError(t, err)
	require.Equal(t, domain.RunRequiresAction, run.Status)
	require.Len(t, run.ToolCalls, 2)
	require.Equal(t, "call_2", run.ToolCalls[1].ID)
	require.JSONEq(t, `{"level":"beginner"}`, string(run.ToolCalls[0].Arguments))
}

func TestFetchRunStatus_Errors(t *testing.T) {
	api := &fakeAssistants{runErr: &gopenai.APIError{HTTPStatusCode: 404}}
	_, err := newFakeClient(t, api).FetchRunStatus(context.Background(), "thread_1", "run_1")
	require.ErrorIs(t, err, ErrNotFound)

	api = &fakeAssistants{runErr: &gopenai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}}
	_, err = newFakeClient(t, api).FetchRunStatus(context.Background(), "thread_1", "run_1")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, 502, remote.StatusCode)
}

func TestMapStatus(t *testing.T) {
	cases := map[gopenai.RunStatus]domain.RunStatus{
		gopenai.RunStatusQueued:         domain.RunQueued,
		gopenai.RunStatusInProgress:     domain.RunInProgress,
		gopenai.RunStatusCancelling:     domain.RunInProgress,
		gopenai.RunStatusRequiresAction: domain.RunRequiresAction,
		gopenai.RunStatusCompleted:      domain.RunCompleted,
		gopenai.RunStatusFailed:         domain.RunFailed,
		"incomplete":                    domain.RunFailed,
		gopenai.RunStatusCancelled:      domain.RunCancelled,
		gopenai.RunStatusExpired:        domain.RunTimeout,
		"something_new":                 domain.RunError,
	}
	for in, want := range cases {
		require.Equal(t, want, mapStatus(in), "status=%s", in)
	}
}

func TestToDomainRun_LastError(t *testing.T) {
	run := toDomainRun("thread_1", gopenai.Run{
		ID:        "run_1",
		Status:    gopenai.RunStatusFailed,
		LastError: &gopenai.RunLastError{Code: "rate_limit_exceeded", Message: "slow down"},
	})
	require.Equal(t, "thread_1", run.ContextID)
	require.Equal(t, "rate_limit_exceeded: slow down", run.LastError)
	require.Empty(t, run.ToolCalls)
}

func TestSubmitToolResults_SingleBatch(t *testing.T) {
	api := &fakeAssistants{}
	c := newFakeClient(t, api)

	err := c.SubmitToolResults(context.Background(), "thread_1", "run_1", []domain.ToolResult{
		{InvocationID: "call_1", Output: `{"courses":[]}`},
		{InvocationID: "call_2", Output: `{"error":"unrecognized_tool"}`},
	})
	require.NoError(t, err)
	require.Len(t, api.submitted, 1)
	require.Len(t, api.submitted[0].ToolOutputs, 2)
	require.Equal(t, "call_2", api.submitted[0].ToolOutputs[1].ToolCallID)

	require.Error(t, c.SubmitToolResults(context.Background(), "thread_1", "run_1", nil))
}

func TestFetchLatestAssistantText(t *testing.T) {
	api := &fakeAssistants{list: gopenai.MessagesList{Messages: []gopenai.Message{
		textMessage("user", "hola"),
		textMessage("assistant", "Tenemos 2 cursos para principiantes【4:0†catalog.json】."),
		textMessage("assistant", "respuesta antigua"),
	}}}
	text, err := newFakeClient(t, api).FetchLatestAssistantText(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Equal(t, "Tenemos 2 cursos para principiantes.", text)

	empty := &fakeAssistants{list: gopenai.MessagesList{Messages: []gopenai.Message{textMessage("user", "hola")}}}
	text, err = newFakeClient(t, empty).FetchLatestAssistantText(context.Background(), "thread_1")
	require.NoError(t, err)
	require.Empty(t, text)

	failing := &fakeAssistants{listErr: errors.New("boom")}
	_, err = newFakeClient(t, failing).FetchLatestAssistantText(context.Background(), "thread_1")
	require.Error(t, err)
}

func TestCancelRunAndPing(t *testing.T) {
	api := &fakeAssistants{}
	c := newFakeClient(t, api)
	require.NoError(t, c.CancelRun(context.Background(), "thread_1", "run_9"))
	require.Equal(t, []string{"run_9"}, api.cancelled)
	require.NoError(t, c.Ping(context.Background()))

	api.assistantErr = errors.New("unauthorized")
	require.Error(t, c.Ping(context.Background()))
}

func TestSyncFunctions_KeepsOtherTools(t *testing.T) {
	api := &fakeAssistants{assistant: gopenai.Assistant{
		Model: "gpt-4o-mini",
		Tools: []gopenai.AssistantTool{
			{Type: gopenai.AssistantToolTypeFileSearch},
			{Type: gopenai.AssistantToolTypeFunction, Function: &gopenai.FunctionDefinition{Name: "stale_tool"}},
		},
	}}
	c := newFakeClient(t, api)

	err := c.SyncFunctions(context.Background(), []FunctionSpec{
		{Name: "search_courses", Description: "Search", Parameters: map[string]any{"type": "object"}},
	})
	require.NoError(t, err)
	require.Len(t, api.modified, 1)

	req := api.modified[0]
	require.Equal(t, "gpt-4o-mini", req.Model)
	require.Len(t, req.Tools, 2)
	require.Equal(t, gopenai.AssistantToolTypeFunction, req.Tools[0].Type)
	require.Equal(t, "search_courses", req.Tools[0].Function.Name)
	require.Equal(t, gopenai.AssistantToolTypeFileSearch, req.Tools[1].Type)

	api.assistantErr = errors.New("unauthorized")
	require.Error(t, c.SyncFunctions(context.Background(), nil))
	require.Len(t, api.modified, 1)
}

func TestResolve_FetchesSecretsOnce(t *testing.T) {
	var paths []string
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		require.Equal(t, "Bearer sk-from-ssm", r.Header.Get("Authorization"))
		require.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "thread_abc", "object": "thread"})
	}))
	defer srv.Close()

	g := &fakeGetter{
		vals: map[string]string{
			"/concierge/open-ai-token": `{"token":"sk-from-ssm"}`,
			"/concierge/assistant-id":  "asst_123",
		},
		onCall: func(string) { calls++ },
	}
	c, err := NewClient(g, "/concierge", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		id, err := c.CreateContext(context.Background())
		require.NoError(t, err)
		require.Equal(t, "thread_abc", id)
	}
	require.Equal(t, 2, calls, "token and assistant id must be fetched exactly once")
	require.True(t, strings.HasSuffix(paths[0], "/threads"))
}

func TestResolve_RetriesAfterSecretFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "thread_abc", "object": "thread"})
	}))
	defer srv.Close()

	var calls int
	g := &fakeGetter{
		vals: map[string]string{
			"/concierge/open-ai-token": `{"token":"sk-from-ssm"}`,
			"/concierge/assistant-id":  "asst_123",
		},
		err: errors.New("ThrottlingException: rate exceeded"),
	}
	g.onCall = func(string) {
		calls++
		if calls > 1 {
			g.err = nil
		}
	}
	c, err := NewClient(g, "/concierge", WithBaseURL(srv.URL+"/v1"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.CreateContext(context.Background())
	require.ErrorContains(t, err, "ThrottlingException")

	id, err := c.CreateContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "thread_abc", id)
	_, err = c.CreateContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestResolve_TokenErrors(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"/concierge/open-ai-token": `{"other":"value"}`}}
	c, err := NewClient(g, "/concierge")
	require.NoError(t, err)
	_, err = c.CreateContext(context.Background())
	require.ErrorContains(t, err, "API token is empty")

	g = &fakeGetter{err: errors.New("ssm unavailable")}
	c, err = NewClient(g, "/concierge")
	require.NoError(t, err)
	_, err = c.StartRun(context.Background(), "thread_1")
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestFetchAPIKey_MalformedJSON(t *testing.T) {
	g := &fakeGetter{vals: map[string]string{"k": `{"broken`}}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "k")
	require.ErrorContains(t, err, "unmarshal")
}
