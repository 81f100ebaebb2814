// Package s3x is the optional archival sink (§11): a trace snapshot is
// marshaled and written to S3 immediately before the eviction loop drops it
// from the in-memory store, so long-lived audits can still retrieve evicted
// traces later.
package s3x

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mode-7/raceway-server/internal/store"
)

// s3Client is the subset of *s3.Client the archiver depends on, so tests can
// substitute a fake without standing up real S3.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes evicted trace snapshots to a single S3 bucket.
type Archiver struct {
	client s3Client
	bucket string
}

// New returns an Archiver writing to bucket via client.
func New(client *s3.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// ArchiveTrace marshals snapshot as JSON and writes it to
// traces/<trace_id>.json in the configured bucket.
func (a *Archiver) ArchiveTrace(ctx context.Context, snapshot store.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := objectKey(snapshot.TraceID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: strPtr("application/json"),
	})
	return err
}

func objectKey(traceID string) string {
	return fmt.Sprintf("traces/%s.json", traceID)
}

func strPtr(s string) *string { return &s }
