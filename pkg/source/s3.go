package source

import (
	"context"
	stderrors "errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/TFMV/flightline/pkg/errors"
)

// S3Config holds connection settings for object-store sources.
type S3Config struct {
	// Region is the AWS region of the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing, required for MinIO.
	UsePathStyle bool
}

// GetObjectAPI is the slice of the S3 client used by S3Opener.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds a client from the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSourceError, "failed to load AWS config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Opener streams one object. Each Open issues a fresh GetObject.
type S3Opener struct {
	client GetObjectAPI
	bucket string
	key    string
}

func NewS3Opener(client GetObjectAPI, bucket, key string) *S3Opener {
	return &S3Opener{client: client, bucket: bucket, key: key}
}

func (o *S3Opener) Name() string { return "s3://" + path.Join(o.bucket, o.key) }

func (o *S3Opener) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, errors.Wrapf(err, errors.CodeSourceError, "object %s does not exist", o.Name())
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.CodeCanceled, "get object canceled")
		}
		return nil, errors.Wrapf(err, errors.CodeSourceError, "get %s", o.Name())
	}
	return out.Body, nil
}
