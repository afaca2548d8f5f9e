// Package auth guards the gateway with HTTP Basic authentication.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/internal/metrics"
	"github.com/spgate/spgate/internal/middleware"
	"github.com/spgate/spgate/pkg/s3compat"
	"golang.org/x/crypto/bcrypt"
)

const realm = `Basic realm="spgate", charset="UTF-8"`

// Authenticator checks the configured credential pair.
type Authenticator struct {
	enabled  bool
	username [sha256.Size]byte
	password [sha256.Size]byte
	hash     []byte

	limiter *FailureLimiter
	metrics metrics.Manager
}

// NewAuthenticator creates an authenticator for cfg. Passwords that look
// like bcrypt hashes are verified with bcrypt, others by constant-time
// comparison.
func NewAuthenticator(cfg config.AuthConfig, metricsManager metrics.Manager) *Authenticator {
	if metricsManager == nil {
		metricsManager = metrics.NewNoop()
	}

	a := &Authenticator{
		enabled:  cfg.EnableAuth,
		username: sha256.Sum256([]byte(cfg.Username)),
		metrics:  metricsManager,
	}
	if !cfg.EnableAuth {
		return a
	}

	if config.IsBcryptHash(cfg.Password) {
		a.hash = []byte(cfg.Password)
	} else {
		a.password = sha256.Sum256([]byte(cfg.Password))
	}
	a.limiter = NewFailureLimiter(cfg.MaxFailedAttempts, cfg.LockoutWindow)
	return a
}

// Close releases the lockout bookkeeping.
func (a *Authenticator) Close() {
	a.limiter.Close()
}

// Verify reports whether username and password match the configured pair.
func (a *Authenticator) Verify(username, password string) bool {
	u := sha256.Sum256([]byte(username))
	userOK := subtle.ConstantTimeCompare(u[:], a.username[:]) == 1

	var passOK bool
	if a.hash != nil {
		passOK = bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
	} else {
		p := sha256.Sum256([]byte(password))
		passOK = subtle.ConstantTimeCompare(p[:], a.password[:]) == 1
	}

	return userOK && passOK
}

// Middleware rejects requests without valid credentials. Paths in public
// are served without authentication.
func (a *Authenticator) Middleware(public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		if !a.enabled {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			addr := clientAddr(r)
			logger := logrus.WithFields(logrus.Fields{
				"request_id": middleware.GetRequestID(r.Context()),
				"remote_ip":  addr,
			})

			if blocked, wait := a.limiter.Blocked(addr); blocked {
				logger.Warn("Rejecting request from locked out client")
				a.metrics.RecordAuthAttempt(false)
				w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Max(1, math.Ceil(wait.Seconds()))), 10))
				s3compat.WriteError(w, r, "SlowDown", r.URL.Path)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok || !a.Verify(username, password) {
				a.limiter.RecordFailure(addr)
				a.metrics.RecordAuthAttempt(false)
				logger.WithFields(logrus.Fields{
					"has_credentials": ok,
					"failures":        a.limiter.Failures(addr),
				}).Info("Authentication failed")

				w.Header().Set("WWW-Authenticate", realm)
				s3compat.WriteError(w, r, "Unauthorized", r.URL.Path)
				return
			}

			a.limiter.Reset(addr)
			a.metrics.RecordAuthAttempt(true)
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr returns the client IP without port. Forwarded headers are
// applied to RemoteAddr by the proxy middleware upstream of this one.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
