package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrWorkflowNotFound is returned when no workflow has the requested ID.
var ErrWorkflowNotFound = errors.New("transaction workflow not found")

// Client starts and inspects transaction workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return NewClientFromSDK(c, taskQueue, logger), nil
}

// NewClientFromSDK wraps an existing SDK client.
func NewClientFromSDK(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// StartTransaction starts a TransactionWorkflow and returns its workflow ID.
func (c *Client) StartTransaction(ctx context.Context, input TransactionInput) (string, error) {
	id := fmt.Sprintf("tx-%s-%s", input.Template, uuid.NewString())

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"template":   input.Template,
			"wallet":     input.Wallet,
			"created_by": "oreflow",
		},
	}, TransactionWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start transaction workflow",
			"template", input.Template,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "transaction workflow started",
		"template", input.Template,
		"wallet", input.Wallet,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	return run.GetID(), nil
}

// GetTransactionResult blocks until the workflow completes. A failed
// workflow yields a result with Status "failed" and the error kind, along
// with the reclassified error.
func (c *Client) GetTransactionResult(ctx context.Context, workflowID string) (*TransactionResult, error) {
	run := c.client.GetWorkflow(ctx, workflowID, "")

	var result TransactionResult
	err := run.Get(ctx, &result)
	if err == nil {
		return &result, nil
	}

	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return nil, ErrWorkflowNotFound
	}

	msg := err.Error()
	failed := &TransactionResult{
		Status:    "failed",
		ErrorKind: ErrorKind(err),
		Error:     &msg,
	}
	return failed, Reclassify(err)
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
