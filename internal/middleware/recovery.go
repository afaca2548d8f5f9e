package middleware

import (
	"encoding/xml"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// internalError is the S3 error payload written after a panic.
type internalError struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestId string   `xml:"RequestId"`
}

// Recovery turns handler panics into a 500 response. http.ErrAbortHandler
// is re-raised so the server drops the connection, which is how aborted
// downloads are signalled to the client.
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = uuid.New().String()
				}

				logrus.WithFields(logrus.Fields{
					"request_id": requestID,
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      rec,
					"stack":      string(debug.Stack()),
				}).Error("Recovered from handler panic")

				body, _ := xml.Marshal(internalError{
					Code:      "InternalError",
					Message:   "We encountered an internal error. Please try again.",
					RequestId: requestID,
				})
				w.Header().Set("Content-Type", "application/xml")
				w.Header().Set("X-Amz-Request-Id", requestID)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(xml.Header))
				_, _ = w.Write(body)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
