package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"smscast/internal/queue"
)

// Consumer long-polls one queue URL and routes envelopes through the shared
// registry. Messages are deleted only after the handler succeeds; a handler
// error leaves the message for SQS redrive and, eventually, the DLQ.
type Consumer struct {
	SQS      *sqs.Client
	QueueURL string
	Registry *queue.Registry

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes messages with a worker pool until ctx is canceled.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				c.handle(ctx, m)
			}
		}()
	}

	go func() {
		defer close(msgs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
				AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
			})
			if err != nil {
				slog.Error("sqs receive message failed", "queue_url", c.QueueURL, "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case msgs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Let workers drain whatever is already in `msgs`.
	wg.Wait()
	return err
}

func (c *Consumer) handle(ctx context.Context, m types.Message) {
	// Always delete poison messages so they don't loop forever.
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(*m.Body), &env); err != nil {
		slog.Error("sqs dropping undecodable message", "queue_url", c.QueueURL, "err", err)
		c.delete(ctx, m)
		return
	}

	attempt := 1
	if v, ok := m.Attributes["ApproximateReceiveCount"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempt = n
		}
	}

	if err := c.Registry.Dispatch(ctx, env, attempt); err != nil {
		// Not deleted: visibility timeout expires and SQS redelivers.
		slog.Error("sqs job failed",
			"queue", env.Queue, "job", env.Name, "job_id", env.JobID,
			"attempt", attempt, "err", err,
		)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}
