package sqsx

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/matryer/is"

	"github.com/mode-7/raceway-server/internal/event"
	"github.com/mode-7/raceway-server/internal/ingest"
)

type fakePipeline struct {
	batches []event.EventBatch
}

func (f *fakePipeline) Ingest(batch event.EventBatch) ingest.Result {
	f.batches = append(f.batches, batch)
	return ingest.Result{Accepted: len(batch.Events)}
}

type fakeSQS struct {
	messages []types.Message
	deleted  []string
	calls    int
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.calls++
	if f.calls > 1 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestHandleMessageIngestsAndDeletes(t *testing.T) {
	is := is.New(t)

	body := `{"events":[{"id":"e1","trace_id":"t1","timestamp":"2026-01-01T00:00:00Z","kind":{"FunctionCall":{"name":"handle","module":"api","file":"api.go","line":10}},"causality_vector":[]}]}`
	msg := types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-1"),
	}

	fp := &fakePipeline{}
	fs := &fakeSQS{}
	p := New(nil, "queue-url", fp, nil)
	p.client = fs

	p.handleMessage(context.Background(), msg)

	is.Equal(len(fp.batches), 1)
	is.Equal(len(fp.batches[0].Events), 1)
	is.Equal(fp.batches[0].Events[0].ID, "e1")
	is.Equal(len(fs.deleted), 1)
	is.Equal(fs.deleted[0], "rh-1")
}

func TestHandleMessageDropsMalformedBody(t *testing.T) {
	is := is.New(t)

	msg := types.Message{
		Body:          aws.String("not json"),
		ReceiptHandle: aws.String("rh-2"),
	}

	fp := &fakePipeline{}
	fs := &fakeSQS{}
	p := New(nil, "queue-url", fp, nil)
	p.client = fs

	p.handleMessage(context.Background(), msg)

	is.Equal(len(fp.batches), 0)
	is.Equal(len(fs.deleted), 1)
}
