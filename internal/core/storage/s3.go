package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// S3Store implements Store on an S3 bucket. Conditional writes use the
// If-Match / If-None-Match support of PutObject, so SupportsConditional is
// always true. All calls go through a circuit breaker that trips after
// repeated backend failures; expected errors (missing key, lost conditional
// write) do not count against the breaker.
type S3Store struct {
	client  *s3.Client
	bucket  string
	breaker *circuit.Breaker
}

// NewS3Store builds an S3Store for bucket, resolving credentials from the
// shared AWS config (honoring profile when non-empty).
func NewS3Store(ctx context.Context, bucket, profile string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		breaker: newBreaker(),
	}, nil
}

func newBreaker() *circuit.Breaker {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Second
	expBackoff.MaxInterval = 2 * time.Minute
	expBackoff.Reset()
	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
}

func (s *S3Store) SupportsConditional() bool { return true }

// call runs fn through the breaker. Errors for which benign returns true are
// passed back to the caller without counting as a breaker failure.
func (s *S3Store) call(fn func() error, benign func(error) bool) error {
	if !s.breaker.Ready() {
		return errors.New("circuit breaker open")
	}
	var opErr error
	err := s.breaker.Call(func() error {
		opErr = fn()
		if opErr != nil && benign(opErr) {
			return nil
		}
		return opErr
	}, 0)
	if opErr != nil {
		return opErr
	}
	return err
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	var data []byte
	var info ObjectInfo
	err := s.call(func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer func() { _ = out.Body.Close() }()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Key:  key,
			Size: int64(len(data)),
			ETag: aws.ToString(out.ETag),
		}
		if out.LastModified != nil {
			info.Modified = out.LastModified.UTC().Truncate(time.Second)
		}
		return nil
	}, isNoSuchKey)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, ObjectInfo{}, &UnavailableError{Op: "get", Key: key, Err: err}
	}
	return data, info, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) (ObjectInfo, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		in.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch {
		in.IfNoneMatch = aws.String("*")
	}

	var info ObjectInfo
	err := s.call(func() error {
		out, err := s.client.PutObject(ctx, in)
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Key:      key,
			Size:     int64(len(data)),
			Modified: time.Now().UTC().Truncate(time.Second),
			ETag:     aws.ToString(out.ETag),
		}
		return nil
	}, isPreconditionFailure)
	if err != nil {
		if isPreconditionFailure(err) {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
		return ObjectInfo{}, &UnavailableError{Op: "put", Key: key, Err: err}
	}
	return info, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := s.call(func() error {
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				info := ObjectInfo{
					Key:  aws.ToString(obj.Key),
					Size: aws.ToInt64(obj.Size),
					ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
				}
				if obj.LastModified != nil {
					info.Modified = obj.LastModified.UTC().Truncate(time.Second)
				}
				infos = append(infos, info)
			}
		}
		return nil
	}, func(error) bool { return false })
	if err != nil {
		return nil, &UnavailableError{Op: "list", Key: prefix, Err: err}
	}
	return infos, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.call(func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	}, isNoSuchKey)
	if err != nil && !isNoSuchKey(err) {
		return &UnavailableError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.call(func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	}, isNoSuchKey)
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, &UnavailableError{Op: "head", Key: key, Err: err}
	}
	return found, nil
}

var _ Store = (*S3Store)(nil)
