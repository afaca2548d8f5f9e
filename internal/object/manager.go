package object

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/graph"
	"github.com/spgate/spgate/internal/pathmap"
)

// Downloader resolves object keys to drive files and opens their content.
type Downloader struct {
	buckets bucket.Manager
	tree    graph.TreeClient
}

// NewDownloader creates a downloader.
func NewDownloader(buckets bucket.Manager, tree graph.TreeClient) *Downloader {
	return &Downloader{buckets: buckets, tree: tree}
}

// Head returns the metadata of the file a key maps to.
func (d *Downloader) Head(ctx context.Context, bucketName, key string) (*Meta, error) {
	_, item, err := d.resolve(ctx, "HeadObject", bucketName, key)
	if err != nil {
		return nil, err
	}
	return metaOf(bucketName, item), nil
}

// Fetch opens the content of the file a key maps to. The body reports an
// upstream error instead of EOF when the stream ends early.
func (d *Downloader) Fetch(ctx context.Context, bucketName, key string) (*Object, error) {
	drive, item, err := d.resolve(ctx, "GetObject", bucketName, key)
	if err != nil {
		return nil, err
	}

	content, err := d.tree.OpenContent(ctx, drive, item)
	if err != nil {
		return nil, err
	}

	meta := metaOf(bucketName, item)
	if content.ContentType != "" {
		meta.ContentType = content.ContentType
	}

	logrus.WithFields(logrus.Fields{
		"component": "object",
		"bucket":    bucketName,
		"key":       meta.Key,
		"size":      meta.Size,
	}).Debug("Opened object content")

	return &Object{
		Meta: *meta,
		Body: &sizedBody{
			ReadCloser: content.Body,
			remaining:  meta.Size,
			bucket:     bucketName,
			key:        meta.Key,
		},
	}, nil
}

func (d *Downloader) resolve(ctx context.Context, op, bucketName, key string) (*bucket.Drive, *graph.RemoteItem, error) {
	drive, err := d.buckets.Resolve(ctx, bucketName)
	if err != nil {
		return nil, nil, err
	}

	path, err := pathmap.KeyToPath(bucketName, key)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		return nil, nil, apierr.Validation("object key is required")
	}

	// Hidden keys are refused before any upstream call, so their existence
	// is not revealed.
	if !drive.Visible(path) {
		return nil, nil, &apierr.Error{Op: op, Bucket: bucketName, Key: path, Err: apierr.ErrAccessDenied}
	}

	item, err := d.tree.GetItem(ctx, drive, path)
	if err != nil {
		return nil, nil, err
	}
	if item.Folder {
		return nil, nil, &apierr.Error{Op: op, Bucket: bucketName, Key: path, Err: apierr.ErrNotFound}
	}
	return drive, item, nil
}

func metaOf(bucketName string, item *graph.RemoteItem) *Meta {
	return &Meta{
		Bucket:       bucketName,
		Key:          pathmap.EscapeKey(item.Path),
		Size:         item.Size,
		ContentType:  item.ContentType,
		ETag:         item.ETag,
		LastModified: item.LastModified,
	}
}

// sizedBody turns a premature EOF into an upstream error so a truncated
// download is never mistaken for a complete one.
type sizedBody struct {
	io.ReadCloser
	remaining int64
	bucket    string
	key       string
}

func (b *sizedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		return n, &apierr.Error{
			Op:     "GetObject",
			Bucket: b.bucket,
			Key:    b.key,
			Err:    fmt.Errorf("%w: %w (%d bytes missing)", apierr.ErrUpstream, ErrIncompleteBody, b.remaining),
		}
	}
	return n, err
}
