// Package archive persists raw enrichment API payloads to S3 so the
// provenance of any aggregated visitor row can be inspected after the
// fact. Archival is strictly best-effort: every failure is logged and
// swallowed, and a nil *Archive is a valid no-op.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive writes raw fetched pages under audiences/<id>/pages/<n>.json.
type Archive struct {
	client *s3.Client
	bucket string
}

// Config holds S3 archive settings.
type Config struct {
	Bucket     string
	Region     string
	AWSProfile string
}

// New creates an S3-backed payload archive.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	var awsCfg aws.Config
	var err error
	if cfg.AWSProfile != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithSharedConfigProfile(cfg.AWSProfile),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
	}, nil
}

func pageKey(audienceID string, page int) string {
	return fmt.Sprintf("audiences/%s/pages/%d.json", audienceID, page)
}

// SavePages uploads raw page bodies for one audience. Runs with its own
// timeout, detached from the request context: archival must never extend
// or fail the import phase that triggered it.
func (a *Archive) SavePages(audienceID string, pages map[int][]byte) {
	if a == nil || a.client == nil || len(pages) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	saved := 0
	for page, body := range pages {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(pageKey(audienceID, page)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			log.Printf("archive: failed to save page %d for audience %s: %v", page, audienceID, err)
			continue
		}
		saved++
	}
	if saved > 0 {
		log.Printf("archive: saved %d raw pages for audience %s to s3://%s", saved, audienceID, a.bucket)
	}
}

// LoadPage retrieves one archived page body. Returns nil (not an error)
// when the object does not exist.
func (a *Archive) LoadPage(ctx context.Context, audienceID string, page int) ([]byte, error) {
	if a == nil || a.client == nil {
		return nil, nil
	}
	key := pageKey(audienceID, page)
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", a.bucket, key, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return buf.Bytes(), nil
}

// isNotFound detects S3 missing-object errors without importing the full
// error type tree. SDK v2 surfaces these as "NoSuchKey" or "NotFound".
func isNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, "NoSuchKey") ||
		strings.Contains(s, "NotFound") ||
		strings.Contains(s, "404")
}
