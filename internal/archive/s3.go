package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"stock-job-scheduler/internal/models"
)

// Config locates the archive bucket. An empty Bucket disables archiving.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Archiver copies purged jobs and their results into S3 as JSON bundles,
// keyed by completion date and job id.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

type bundle struct {
	Job     models.Job      `json:"job"`
	Results []models.Result `json:"results"`
}

// New builds an S3-backed archiver, or returns nil when no bucket is
// configured so callers can skip archiving entirely.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func newClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Archive uploads one job bundle. Keys sort by completion date so old
// prefixes can be lifecycled away bucket-side.
func (a *S3Archiver) Archive(ctx context.Context, job models.Job, results []models.Result) error {
	body, err := json.Marshal(bundle{Job: job, Results: results})
	if err != nil {
		return fmt.Errorf("marshal archive bundle: %w", err)
	}

	day := job.CreatedAt
	if job.CompletedAt != nil {
		day = *job.CompletedAt
	}
	key := fmt.Sprintf("jobs/%s/%d.json", day.UTC().Format("2006-01-02"), job.ID)

	contentType := "application/json"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	return nil
}
