// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blobstore is the Blob Locator: it derives storage URIs for a
// job attempt's outputs and issues time-limited download URLs against
// an S3-compatible object store.
package blobstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const maxListedEntries = 10

// Config configures the S3-compatible endpoint backing the Locator.
type Config struct {
	Endpoint     string
	Bucket       string
	Prefix       string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Locator is the Blob Locator (C3): derives storage URIs and presigns
// downloads. Safe for concurrent use; it holds no mutable state.
type Locator struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	prefix   string
}

func New(ctx context.Context, cfg Config) (*Locator, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Locator{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// StorageFor derives the (scheme, uri) pair for one assignment attempt.
// The millisecond timestamp guarantees a fresh prefix per attempt.
func (l *Locator) StorageFor(class string, jobID int64) (scheme, uri string) {
	millis := time.Now().UnixMilli()
	key := fmt.Sprintf("%s/%s/%d/%d", l.prefix, strings.ToLower(class), jobID, millis)
	return "S3", fmt.Sprintf("s3://%s/%s", l.bucket, key)
}

// PresignList lists every object under uri's prefix, capped at 10
// entries, and returns a mapping of relative path (the prefix and any
// leading separator stripped) to a GET URL valid for ttl. Concurrency
// safe and read-only.
func (l *Locator) PresignList(ctx context.Context, uri string, ttl time.Duration) (map[string]string, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 3600 * time.Second
	}

	out, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.TransientDependency, "list blob store objects", err)
	}
	if len(out.Contents) > maxListedEntries {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("more than %d objects under prefix", maxListedEntries))
	}

	urls := make(map[string]string, len(out.Contents))
	for _, obj := range out.Contents {
		objKey := aws.ToString(obj.Key)
		rel := strings.TrimPrefix(objKey, key)
		rel = strings.TrimPrefix(rel, "/")

		req, err := l.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(objKey),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return nil, apierr.Wrap(apierr.TransientDependency, "presign blob store object", err)
		}
		urls[rel] = req.URL
	}
	return urls, nil
}

func parseURI(uri string) (bucket, key string, err error) {
	const schemePrefix = "s3://"
	if !strings.HasPrefix(uri, schemePrefix) {
		return "", "", apierr.New(apierr.Validation, "storage URI must use the s3:// scheme")
	}
	rest := strings.TrimPrefix(uri, schemePrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierr.New(apierr.Validation, "malformed storage URI")
	}
	return parts[0], parts[1], nil
}

// FormatMillis renders t the way StorageFor writes the trailing
// millisecond segment of a storage URI.
func FormatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
