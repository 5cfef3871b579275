package lambdainvoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"course-concierge/internal/webhook"
)

// invokeAPI is the subset of *lambda.Client used here.
type invokeAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Scheduler hands lifecycle jobs to a fresh asynchronous invocation of a
// function, usually the running one, so the event is acknowledged first.
type Scheduler struct {
	api      invokeAPI
	function string
	logger   *slog.Logger
}

func New(api invokeAPI, function string, logger *slog.Logger) (*Scheduler, error) {
	if api == nil {
		return nil, errors.New("lambdainvoke: api must not be nil")
	}
	function = strings.TrimSpace(function)
	if function == "" {
		return nil, errors.New("lambdainvoke: function name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{api: api, function: function, logger: logger}, nil
}

// Schedule sends job as an Event invocation. The local task is not run.
func (s *Scheduler) Schedule(ctx context.Context, job webhook.Job, _ func(ctx context.Context)) error {
	payload, err := json.Marshal(webhook.JobEnvelope{Kind: webhook.JobKind, Job: job})
	if err != nil {
		return fmt.Errorf("lambdainvoke: marshal job: %w", err)
	}
	out, err := s.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(s.function),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("lambdainvoke: invoke %s: %w", s.function, err)
	}
	if out == nil || out.StatusCode != http.StatusAccepted {
		code := int32(0)
		if out != nil {
			code = out.StatusCode
		}
		return fmt.Errorf("lambdainvoke: invoke %s: unexpected status %d", s.function, code)
	}
	s.logger.Info("lifecycle job dispatched", "event", job.Event, "run_id", job.RunID, "function", s.function)
	return nil
}
