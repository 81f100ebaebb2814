// Package sqsx is an optional alternate ingest transport (§11): it polls an
// SQS queue for event batches and feeds them through the same
// internal/ingest.Pipeline the HTTP transport uses, demonstrating that
// ingest is transport-agnostic.
package sqsx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/ingest"
)

// pipeline is the subset of *ingest.Pipeline the poller depends on.
type pipeline interface {
	Ingest(batch event.EventBatch) ingest.Result
}

// sqsClient is the subset of *sqs.Client the poller depends on.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Poller repeatedly drains an SQS queue of event batches and feeds them to a
// pipeline, deleting each message once Ingest has returned for it, whatever
// it rejected. A message whose body is not a valid batch is deleted without
// being ingested.
type Poller struct {
	client   sqsClient
	queueURL string
	pipeline pipeline
	log      *slog.Logger
}

// New returns a Poller reading queueURL and dispatching to p.
func New(client *sqs.Client, queueURL string, p pipeline, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{client: client, queueURL: queueURL, pipeline: p, log: log}
}

// Run polls until ctx is canceled, long-polling for up to 20s per call.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &p.queueURL,
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			p.log.Error("sqsx: receive", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range out.Messages {
			p.handleMessage(ctx, msg)
		}
	}
}

func (p *Poller) handleMessage(ctx context.Context, msg types.Message) {
	var batch event.EventBatch
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &batch); err != nil {
		p.log.Error("sqsx: malformed batch, dropping", "error", err)
		p.delete(ctx, msg)
		return
	}
	result := p.pipeline.Ingest(batch)
	if len(result.Rejected) > 0 {
		p.log.Warn("sqsx: batch partially rejected", "accepted", result.Accepted, "rejected", len(result.Rejected))
	}
	p.delete(ctx, msg)
}

func (p *Poller) delete(ctx context.Context, msg types.Message) {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &p.queueURL,
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		p.log.Error("sqsx: delete message", "error", err)
	}
}
