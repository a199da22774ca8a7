// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package bulkstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/repocell/cell/internal/cellerr"
)

// S3Store implements Store against an S3-compatible bucket; this is the
// bulk object storage backing the warm, cold, and segment tiers.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

type notFoundErr struct{ cause error }

func (e *notFoundErr) Error() string { return "bulkstore: key not found" }
func (e *notFoundErr) Unwrap() error { return e.cause }
func (e *notFoundErr) NotFound() bool { return true }

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, &notFoundErr{cause: err}
		}
		return nil, cellerr.Wrap(cellerr.KindIO, err, "s3 get %s", key)
	}
	meta := make(map[string]string, len(out.Metadata))
	for k, v := range out.Metadata {
		meta[k] = v
	}
	return &Object{Body: out.Body, Size: aws.ToInt64(out.ContentLength), Meta: meta}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, &notFoundErr{cause: err}
		}
		return nil, cellerr.Wrap(cellerr.KindIO, err, "s3 head %s", key)
	}
	meta := make(map[string]string, len(out.Metadata))
	for k, v := range out.Metadata {
		meta[k] = v
	}
	return &Object{Size: aws.ToInt64(out.ContentLength), Meta: meta}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      meta,
	})
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "s3 put %s", key)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) == 1 {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(keys[0])})
		if err != nil {
			return cellerr.Wrap(cellerr.KindIO, err, "s3 delete %s", keys[0])
		}
		return nil
	}
	objs := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objs[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objs},
	})
	if err != nil {
		return cellerr.Wrap(cellerr.KindIO, err, "s3 delete-multi")
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(opts.Prefix),
		MaxKeys: aws.Int32(int32(opts.Limit)),
	}
	if opts.Cursor != "" {
		in.ContinuationToken = aws.String(opts.Cursor)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, cellerr.Wrap(cellerr.KindIO, err, "s3 list %s", opts.Prefix)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	res := &ListResult{Keys: keys, Truncated: aws.ToBool(out.IsTruncated)}
	if out.NextContinuationToken != nil {
		res.Cursor = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if ok := errorsAsNoSuchKey(err, &nsk); ok {
		return true
	}
	var nf *types.NotFound
	return errorsAsNotFound(err, &nf)
}

func errorsAsNoSuchKey(err error, target **types.NoSuchKey) bool {
	for err != nil {
		if t, ok := err.(*types.NoSuchKey); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func errorsAsNotFound(err error, target **types.NotFound) bool {
	for err != nil {
		if t, ok := err.(*types.NotFound); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
