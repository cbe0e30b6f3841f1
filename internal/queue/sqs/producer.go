package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"smscast/internal/queue"
)

// Producer is the persisted queue backend. Each logical queue name maps to
// one FIFO queue URL; MessageDeduplicationId carries the job-level
// idempotency contract, MessageGroupId keeps jobs of one name ordered.
type Producer struct {
	SQS       *sqs.Client
	QueueURLs map[string]string
}

func (p *Producer) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error) {
	url, ok := p.QueueURLs[queueName]
	if !ok {
		return queue.Handle{}, fmt.Errorf("no queue url configured for %q", queueName)
	}

	env, err := queue.NewEnvelope(queueName, jobName, payload, opts)
	if err != nil {
		return queue.Handle{}, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return queue.Handle{}, err
	}

	groupID := queueName + ":" + jobName
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &url,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(groupID),
		MessageDeduplicationId: str(env.JobID),
	})
	if err != nil {
		return queue.Handle{}, err
	}
	return queue.Handle{JobID: env.JobID}, nil
}

func str(s string) *string { return &s }
