// Package work dispatches long-running stage work to background workers over
// a Valkey stream and defines the executor contract those workers run. The
// engine itself never blocks on this work: workers report back through the
// public API (begin → progress → lock/fail), which keeps the engine the
// single writer of run state.
package work

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/tabulate-labs/tabulator/internal/registry"
)

const (
	StreamName = "tabulator:stage_tasks"
	GroupName  = "tabulator-workers"

	// cancelKeyPrefix marks cancel requests for in-flight stage work.
	// Executors poll the key between units of work.
	cancelKeyPrefix = "tabulator:cancel:"
	cancelTTL       = time.Hour
)

// StageTask is one unit of background stage work.
type StageTask struct {
	RunID  uuid.UUID         `json:"run_id"`
	Stage  registry.StageID  `json:"stage"`
	Params map[string]string `json:"params,omitempty"`
}

// Producer enqueues stage tasks and publishes cancel requests. It satisfies
// engine.Canceler.
type Producer struct {
	client valkey.Client
}

func NewProducer(client valkey.Client) *Producer {
	return &Producer{client: client}
}

func (p *Producer) Enqueue(ctx context.Context, task StageTask) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	resp := p.client.Do(ctx, p.client.B().Xadd().
		Key(StreamName).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	id, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("parse xadd response: %w", err)
	}
	return id, nil
}

// Cancel publishes a cancel request for in-flight work on a stage. The flag
// expires on its own; workers also clear it when they observe it.
func (p *Producer) Cancel(ctx context.Context, runID uuid.UUID, stage registry.StageID) error {
	resp := p.client.Do(ctx, p.client.B().Set().
		Key(cancelKey(runID, stage)).Value("1").
		Ex(cancelTTL).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel flag is set for the stage.
func CancelRequested(ctx context.Context, client valkey.Client, runID uuid.UUID, stage registry.StageID) bool {
	resp := client.Do(ctx, client.B().Exists().Key(cancelKey(runID, stage)).Build())
	n, err := resp.AsInt64()
	return err == nil && n > 0
}

// ClearCancel removes the cancel flag after the worker has acted on it.
func ClearCancel(ctx context.Context, client valkey.Client, runID uuid.UUID, stage registry.StageID) {
	client.Do(ctx, client.B().Del().Key(cancelKey(runID, stage)).Build())
}

func cancelKey(runID uuid.UUID, stage registry.StageID) string {
	return cancelKeyPrefix + runID.String() + ":" + string(stage)
}

// Consumer reads stage tasks from the Valkey stream.
type Consumer struct {
	client     valkey.Client
	consumerID string
	logger     *slog.Logger
}

func NewConsumer(client valkey.Client, consumerID string, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, consumerID: consumerID, logger: logger}
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	resp := c.client.Do(ctx, c.client.B().XgroupCreate().
		Key(StreamName).Group(GroupName).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		// BUSYGROUP means group already exists — that's fine
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("xgroup create: %w", err)
		}
	}
	return nil
}

// Consume blocks until a task is available, processes it via handler, and
// ACKs. On startup, it first drains any pending tasks from a previous crash.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, StageTask) error) error {
	c.drainPending(ctx, handler)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(GroupName, c.consumerID).
			Count(1).Block(5000).
			Streams().Key(StreamName).Id(">").
			Build())

		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout is normal for BLOCK reads
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}

		for _, messages := range results {
			for _, msg := range messages {
				c.processTask(ctx, msg, handler)
			}
		}
	}
}

// drainPending reads tasks previously delivered to this consumer but not ACKed.
func (c *Consumer) drainPending(ctx context.Context, handler func(context.Context, StageTask) error) {
	resp := c.client.Do(ctx, c.client.B().Xreadgroup().
		Group(GroupName, c.consumerID).
		Count(10).
		Streams().Key(StreamName).Id("0").
		Build())

	if err := resp.Error(); err != nil {
		c.logger.Warn("drain pending failed", slog.String("error", err.Error()))
		return
	}

	results, err := resp.AsXRead()
	if err != nil {
		return
	}

	for _, messages := range results {
		for _, msg := range messages {
			c.logger.Info("recovering pending task", slog.String("id", msg.ID))
			c.processTask(ctx, msg, handler)
		}
	}
}

func (c *Consumer) processTask(ctx context.Context, msg valkey.XRangeEntry, handler func(context.Context, StageTask) error) {
	dataStr, ok := msg.FieldValues["data"]
	if !ok {
		c.logger.Warn("task missing data field", slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	var task StageTask
	if err := json.Unmarshal([]byte(dataStr), &task); err != nil {
		c.logger.Error("unmarshal task", slog.String("error", err.Error()), slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, task); err != nil {
		c.logger.Error("handle task", slog.String("error", err.Error()),
			slog.String("id", msg.ID),
			slog.String("run_id", task.RunID.String()),
			slog.String("stage", string(task.Stage)))
	} else {
		c.ack(ctx, msg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	resp := c.client.Do(ctx, c.client.B().Xack().
		Key(StreamName).Group(GroupName).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		c.logger.Error("xack failed", slog.String("error", err.Error()), slog.String("id", msgID))
	}
}
