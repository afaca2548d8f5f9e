package s3compat

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/listing"
	"github.com/spgate/spgate/internal/metrics"
	"github.com/spgate/spgate/internal/middleware"
	"github.com/spgate/spgate/internal/object"
)

const (
	// maxRequestBody bounds the JSON request documents.
	maxRequestBody = 64 << 10

	// ObjectSizeHeader carries the object size on POST /headObject.
	ObjectSizeHeader = "X-Object-Size"
)

// BucketCatalog enumerates the mapped buckets.
type BucketCatalog interface {
	ListBuckets(ctx context.Context) []*bucket.Drive
}

// Lister produces listing pages.
type Lister interface {
	List(ctx context.Context, req listing.Request) (*listing.Result, error)
}

// ObjectSource resolves and opens objects.
type ObjectSource interface {
	Head(ctx context.Context, bucketName, key string) (*object.Meta, error)
	Fetch(ctx context.Context, bucketName, key string) (*object.Object, error)
}

// Handler implements the S3-compatible operations of the gateway
type Handler struct {
	buckets BucketCatalog
	lister  Lister
	objects ObjectSource
	metrics metrics.Manager

	// started stands in for bucket creation dates, which drives do not
	// expose through the mapping.
	started time.Time
}

// NewHandler creates a new S3 compatibility handler
func NewHandler(buckets BucketCatalog, lister Lister, objects ObjectSource, metricsManager metrics.Manager) *Handler {
	if metricsManager == nil {
		metricsManager = metrics.NewNoop()
	}
	return &Handler{
		buckets: buckets,
		lister:  lister,
		objects: objects,
		metrics: metricsManager,
		started: time.Now().UTC().Truncate(time.Second),
	}
}

// decodeBody reads a JSON request document into v. Unknown fields are
// ignored so clients may send S3-style extras.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

// ListBuckets handles POST /listBuckets and reports the mapped buckets.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	result := ListAllMyBucketsResult{
		Owner: Owner{ID: "spgate", DisplayName: "spgate"},
	}
	for _, drive := range h.buckets.ListBuckets(r.Context()) {
		result.Buckets.Bucket = append(result.Buckets.Bucket, BucketInfo{
			Name:         drive.Bucket,
			CreationDate: h.started,
		})
	}

	h.writeXMLResponse(w, http.StatusOK, result)
	h.metrics.RecordS3Operation("ListBuckets", "", true, time.Since(start))
}

// ListObjectsV2 handles POST /listObjectsV2
func (h *Handler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	const op = "ListObjectsV2"
	start := time.Now()

	var req ListObjectsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, r, op, err)
		return
	}
	if req.Bucket == "" {
		h.metrics.RecordS3Error(op, "unknown", "InvalidArgument")
		WriteError(w, r, "InvalidArgument", "bucket")
		return
	}

	logrus.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(r.Context()),
		"bucket":     req.Bucket,
		"prefix":     req.Prefix,
		"delimiter":  req.Delimiter,
		"max_keys":   req.MaxKeys,
		"search":     req.SearchQuery != "",
		"resumed":    req.ContinuationToken != "",
	}).Debug("S3 API: ListObjectsV2")

	result, err := h.lister.List(r.Context(), listing.Request{
		Bucket:            req.Bucket,
		Prefix:            req.Prefix,
		Delimiter:         req.Delimiter,
		ContinuationToken: req.ContinuationToken,
		StartAfter:        req.StartAfter,
		SearchQuery:       req.SearchQuery,
		MaxKeys:           req.MaxKeys,
	})
	if err != nil {
		h.metrics.RecordS3Operation(op, metricBucket(classify(err), req.Bucket), false, time.Since(start))
		h.writeOperationError(w, r, op, req.Bucket, "", err)
		return
	}

	h.writeXMLResponse(w, http.StatusOK, toListBucketResult(result))
	h.metrics.RecordS3Operation(op, req.Bucket, true, time.Since(start))
}

func toListBucketResult(result *listing.Result) ListBucketResult {
	out := ListBucketResult{
		Xmlns:                 s3Namespace,
		Name:                  result.Bucket,
		Prefix:                result.Prefix,
		Delimiter:             result.Delimiter,
		StartAfter:            result.StartAfter,
		ContinuationToken:     result.ContinuationToken,
		NextContinuationToken: result.NextContinuationToken,
		KeyCount:              result.KeyCount(),
		MaxKeys:               result.MaxKeys,
		IsTruncated:           result.IsTruncated,
		Contents:              make([]ObjectInfo, 0, len(result.Objects)),
		CommonPrefixes:        make([]CommonPrefix, 0, len(result.CommonPrefixes)),
	}
	for _, obj := range result.Objects {
		out.Contents = append(out.Contents, ObjectInfo{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC(),
			ETag:         quoteETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, cp := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, CommonPrefix{Prefix: cp})
	}
	return out
}

// GetObject handles POST /getObject and streams the object content.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	const op = "GetObject"
	start := time.Now()

	req, ok := h.objectRequest(w, r, op)
	if !ok {
		return
	}

	obj, err := h.objects.Fetch(r.Context(), req.Bucket, req.Key)
	if err != nil {
		h.metrics.RecordS3Operation(op, metricBucket(classify(err), req.Bucket), false, time.Since(start))
		h.writeOperationError(w, r, op, req.Bucket, req.Key, err)
		return
	}
	defer obj.Body.Close()

	setObjectHeaders(w, &obj.Meta)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, obj.Body)
	h.metrics.RecordObjectBytes(req.Bucket, written)
	if err != nil {
		h.metrics.RecordS3Operation(op, req.Bucket, false, time.Since(start))
		entry := logrus.WithFields(logrus.Fields{
			"request_id": middleware.GetRequestID(r.Context()),
			"bucket":     req.Bucket,
			"key":        req.Key,
			"written":    written,
			"size":       obj.Size,
		}).WithError(err)
		if r.Context().Err() != nil {
			entry.Debug("Client went away during object download")
		} else {
			h.metrics.RecordS3Error(op, req.Bucket, "UpstreamError")
			entry.Warn("Object stream interrupted, aborting response")
		}
		// The status line is already out; dropping the connection is the
		// only way to tell the client the body is incomplete.
		panic(http.ErrAbortHandler)
	}

	h.metrics.RecordS3Operation(op, req.Bucket, true, time.Since(start))
}

// HeadObject handles POST /headObject and returns the object headers only.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	const op = "HeadObject"
	start := time.Now()

	req, ok := h.objectRequest(w, r, op)
	if !ok {
		return
	}

	meta, err := h.objects.Head(r.Context(), req.Bucket, req.Key)
	if err != nil {
		h.metrics.RecordS3Operation(op, metricBucket(classify(err), req.Bucket), false, time.Since(start))
		h.writeOperationError(w, r, op, req.Bucket, req.Key, err)
		return
	}

	// POST responses carry no body, so the size travels in its own header
	// rather than in a Content-Length that would never be satisfied.
	setObjectHeaders(w, meta)
	w.Header().Set(ObjectSizeHeader, strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordS3Operation(op, req.Bucket, true, time.Since(start))
}

// objectRequest decodes and checks an object request, writing the error
// response itself when the request is unusable.
func (h *Handler) objectRequest(w http.ResponseWriter, r *http.Request, op string) (ObjectRequest, bool) {
	var req ObjectRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, r, op, err)
		return req, false
	}

	switch {
	case req.Bucket == "":
		h.metrics.RecordS3Error(op, "unknown", "InvalidArgument")
		WriteError(w, r, "InvalidArgument", "bucket")
		return req, false
	case req.Key == "":
		h.metrics.RecordS3Error(op, req.Bucket, "InvalidArgument")
		WriteError(w, r, "InvalidArgument", "key")
		return req, false
	}

	logrus.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(r.Context()),
		"bucket":     req.Bucket,
		"key":        req.Key,
	}).Debugf("S3 API: %s", op)
	return req, true
}

func (h *Handler) rejectBody(w http.ResponseWriter, r *http.Request, op string, err error) {
	logrus.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(r.Context()),
		"operation":  op,
	}).WithError(err).Debug("Rejected malformed request body")
	h.metrics.RecordS3Error(op, "unknown", "InvalidRequest")
	WriteError(w, r, "InvalidRequest", r.URL.Path)
}

func setObjectHeaders(w http.ResponseWriter, meta *object.Meta) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if meta.ETag != "" {
		w.Header().Set("ETag", quoteETag(meta.ETag))
	}
	if !meta.LastModified.IsZero() {
		w.Header().Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
}

// quoteETag wraps an entity tag in double quotes unless it already is.
func quoteETag(etag string) string {
	if etag == "" || (len(etag) >= 2 && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`)) {
		return etag
	}
	return `"` + etag + `"`
}

func (h *Handler) writeXMLResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(statusCode)

	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("Failed to encode XML response")
	}
}
