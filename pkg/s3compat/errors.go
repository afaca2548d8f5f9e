package s3compat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/middleware"
)

type errorCode struct {
	status  int
	message string
}

// errorCodes is the complete set of error codes the gateway emits. Messages
// are fixed so upstream error text never reaches clients.
var errorCodes = map[string]errorCode{
	"InvalidArgument":    {http.StatusBadRequest, "Invalid argument."},
	"InvalidRequest":     {http.StatusBadRequest, "The request body is not a valid JSON document."},
	"Unauthorized":       {http.StatusUnauthorized, "Authentication is required to access this resource."},
	"AccessDenied":       {http.StatusForbidden, "Access Denied."},
	"NoSuchBucket":       {http.StatusNotFound, "The specified bucket does not exist."},
	"NoSuchKey":          {http.StatusNotFound, "The specified key does not exist."},
	"MethodNotAllowed":   {http.StatusMethodNotAllowed, "The specified method is not allowed against this resource."},
	"SlowDown":           {http.StatusTooManyRequests, "Please reduce your request rate."},
	"InternalError":      {http.StatusInternalServerError, "We encountered an internal error. Please try again."},
	"UpstreamError":      {http.StatusBadGateway, "The upstream storage service returned an error."},
	"AuthError":          {http.StatusBadGateway, "The gateway could not authenticate with the upstream storage service."},
	"ServiceUnavailable": {http.StatusServiceUnavailable, "The upstream storage service is unavailable. Please try again."},
}

// StatusForCode returns the HTTP status of an error code.
func StatusForCode(code string) int {
	if ec, ok := errorCodes[code]; ok {
		return ec.status
	}
	return http.StatusInternalServerError
}

// generateRequestID generates a short request id for responses written
// outside the request id middleware.
func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return strings.ToUpper(hex.EncodeToString(b))
}

// generateHostID generates the x-amz-id-2 style host id
func generateHostID() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WriteError writes an S3 error document for code. resource is placed in the
// Key, BucketName or Resource field depending on the code.
func WriteError(w http.ResponseWriter, r *http.Request, code, resource string) {
	ec, ok := errorCodes[code]
	if !ok {
		code = "InternalError"
		ec = errorCodes[code]
	}

	requestID := middleware.GetRequestID(r.Context())
	if requestID == "" {
		requestID = generateRequestID()
	}
	hostID := generateHostID()

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("X-Amz-Request-Id", requestID)
	w.Header().Set("X-Amz-Id-2", hostID)
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(ec.status)

	errorResponse := Error{
		Code:      code,
		Message:   ec.message,
		RequestId: requestID,
		HostId:    hostID,
	}

	// Use correct field based on error type
	switch code {
	case "NoSuchKey":
		errorResponse.Key = resource
	case "NoSuchBucket":
		errorResponse.BucketName = resource
	default:
		errorResponse.Resource = resource
	}

	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(errorResponse); err != nil {
		logrus.WithError(err).Debug("Failed to encode error response")
	}
}

// classify maps a component error onto an error code.
func classify(err error) string {
	switch {
	case apierr.IsValidation(err):
		return "InvalidArgument"
	case apierr.IsBucketNotFound(err):
		return "NoSuchBucket"
	case apierr.IsNotFound(err):
		return "NoSuchKey"
	case apierr.IsAccessDenied(err):
		return "AccessDenied"
	case apierr.IsRateLimited(err):
		return "SlowDown"
	case apierr.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		return "ServiceUnavailable"
	case apierr.IsAuth(err):
		return "AuthError"
	case errors.Is(err, apierr.ErrUpstream):
		return "UpstreamError"
	default:
		return "InternalError"
	}
}

// retryAfterSeconds renders a retry hint as whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// writeOperationError logs err, records it and renders the matching error
// document. Nothing is written when the client has gone away.
func (h *Handler) writeOperationError(w http.ResponseWriter, r *http.Request, op, bucketName, key string, err error) {
	logger := logrus.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(r.Context()),
		"operation":  op,
		"bucket":     bucketName,
		"key":        key,
	})

	if errors.Is(err, context.Canceled) || r.Context().Err() == context.Canceled {
		logger.WithError(err).Debug("Client went away before the response was written")
		return
	}

	code := classify(err)
	status := StatusForCode(code)
	h.metrics.RecordS3Error(op, metricBucket(code, bucketName), code)

	entry := logger.WithFields(logrus.Fields{
		"code":            code,
		"status":          status,
		"upstream_status": apierr.Status(err),
	}).WithError(err)
	switch {
	case code == "InternalError":
		entry.Error("Operation failed")
	case status >= 500:
		entry.Warn("Operation failed")
	default:
		entry.Debug("Operation rejected")
	}

	if code == "SlowDown" {
		w.Header().Set("Retry-After", retryAfterSeconds(apierr.RetryAfter(err)))
	}

	resource := key
	switch code {
	case "NoSuchBucket":
		resource = bucketName
	case "AccessDenied", "InvalidArgument":
		resource = "/" + bucketName
		if key != "" {
			resource += "/" + key
		}
	}
	WriteError(w, r, code, resource)
}

// metricBucket keeps client-supplied names of unknown buckets out of metric
// labels.
func metricBucket(code, bucketName string) string {
	if code == "NoSuchBucket" || bucketName == "" {
		return "unknown"
	}
	return bucketName
}
