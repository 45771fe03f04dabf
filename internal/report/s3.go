package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/canary/internal/engine"
)

// PutObjectAPI is the part of the S3 client the publisher uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads the badge directory to a bucket so a hosted dashboard
// can read it. It must run after FileWriter.
type S3Publisher struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	Dir    string
	Logger *slog.Logger
}

var _ engine.Reporter = (*S3Publisher)(nil)

// NewS3Publisher builds a publisher using the default AWS credential chain.
func NewS3Publisher(ctx context.Context, bucket, prefix, region, dir string, logger *slog.Logger) (*S3Publisher, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Publisher{
		Client: s3.NewFromConfig(cfg),
		Bucket: bucket,
		Prefix: prefix,
		Dir:    dir,
		Logger: logger,
	}, nil
}

// Report implements engine.Reporter. Every JSON file in Dir is uploaded;
// an upload failure does not stop the remaining uploads.
func (p *S3Publisher) Report(ctx context.Context, out engine.RunOutcome, cleanup *engine.CleanupReport) error {
	files, err := filepath.Glob(filepath.Join(p.Dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	var failed []string
	for _, f := range files {
		key := path.Join(p.Prefix, filepath.Base(f))
		if err := p.put(ctx, f, key); err != nil {
			if p.Logger != nil {
				p.Logger.Error("badge upload failed", "key", key, "error", err)
			}
			failed = append(failed, key)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to upload %d of %d badges to s3://%s: %v", len(failed), len(files), p.Bucket, failed)
	}
	if p.Logger != nil {
		p.Logger.Info("badges published", "bucket", p.Bucket, "prefix", p.Prefix, "files", len(files))
	}
	return nil
}

func (p *S3Publisher) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.Bucket),
		Key:          aws.String(key),
		Body:         f,
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String(fmt.Sprintf("max-age=%d", DefaultCacheSeconds)),
	})
	return err
}
