// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package s3cache implements an optional S3-backed substituter cache
// for fetched tarballs and NARs, per spec §4.5's mention of a
// network-backed fetcher cache tier sitting in front of the origin
// fetch.
package s3cache

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v6"
	"github.com/minio/minio-go/v6/pkg/credentials"
)

// Cache is a content-addressed blob cache backed by an S3-compatible
// bucket: objects are keyed by the content hash a fetcher or
// substituter already computed, so a hit skips re-fetching from the
// origin entirely.
type Cache struct {
	client *minio.Client
	bucket string
}

// Options configures [New].
type Options struct {
	// Endpoint is the S3-compatible endpoint, e.g. "s3.amazonaws.com"
	// or a MinIO host:port.
	Endpoint string
	Region   string
	Bucket   string
	Secure   bool
}

// New returns a cache backed by the given bucket, authenticating via
// the usual MinIO/AWS environment-variable credential chain.
func New(opts Options) (*Cache, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvMinio{},
		&credentials.EnvAWS{},
	})
	client, err := minio.NewWithCredentials(opts.Endpoint, creds, opts.Secure, opts.Region)
	if err != nil {
		return nil, fmt.Errorf("s3cache: %v", err)
	}
	return &Cache{client: client, bucket: opts.Bucket}, nil
}

// Has reports whether key is present in the cache.
func (c *Cache) Has(ctx context.Context, key string) bool {
	_, err := c.client.StatObject(c.bucket, key, minio.StatObjectOptions{})
	return err == nil
}

// Get returns key's cached contents, or an error if not present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.client.GetObject(c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3cache: get %s: %v", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("s3cache: get %s: %v", key, err)
	}
	return data, nil
}

// Put stores data under key.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("s3cache: put %s: %v", key, err)
	}
	return nil
}
