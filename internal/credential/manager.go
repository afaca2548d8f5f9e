// Package credential manages the application access token used for every
// Microsoft Graph call.
//
// The token is cached in memory and shared by all requests. A cached token
// is served without I/O while it is outside the safety margin; otherwise a
// single acquisition runs and concurrent callers wait for its result.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/internal/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMargin      = 5 * time.Minute
	defaultBackoff     = 200 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	defaultFlightLimit = 30 * time.Second

	// fallbackLifetime is used when the identity platform returns neither a
	// JWT nor expires_in.
	fallbackLifetime = time.Hour
)

// AccessToken is a bearer credential with its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// String hides the bearer value from fmt and log output.
func (t *AccessToken) String() string {
	return fmt.Sprintf("AccessToken(expires %s)", t.ExpiresAt.Format(time.RFC3339))
}

// Source hands out access tokens.
type Source interface {
	// Token returns a token valid beyond the safety margin.
	Token(ctx context.Context) (*AccessToken, error)

	// Invalidate drops the cached token if it is still the one the
	// upstream rejected, forcing the next Token call to refresh.
	Invalidate(stale string)
}

// Options configures a Manager.
type Options struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	AuthorityURL string
	Scope        string

	// Margin is how long before expiry a token is considered stale.
	Margin time.Duration

	// Attempts bounds acquisition tries per refresh.
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Timeout bounds one whole refresh, retries included.
	Timeout time.Duration

	HTTPClient *http.Client
	Metrics    metrics.Manager
}

// OptionsFromConfig derives manager options from the graph configuration.
func OptionsFromConfig(cfg config.GraphConfig) Options {
	return Options{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthorityURL: cfg.AuthorityURL,
		Scope:        cfg.Scope,
		Margin:       cfg.TokenMargin,
		Attempts:     cfg.TokenAttempts,
		Timeout:      cfg.RequestTimeout,
	}
}

// Manager implements Source with the OAuth2 client-credentials grant.
type Manager struct {
	opts   Options
	oauth  *clientcredentials.Config
	client *http.Client
	now    func() time.Time

	mu     sync.RWMutex
	cached *AccessToken

	group singleflight.Group
}

// NewManager creates a credential manager. No token is fetched until the
// first call to Token.
func NewManager(opts Options) *Manager {
	if opts.Margin <= 0 {
		opts.Margin = defaultMargin
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFlightLimit
	}
	if opts.Scope == "" {
		opts.Scope = "https://graph.microsoft.com/.default"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Manager{
		opts: opts,
		oauth: &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     TokenURL(opts.AuthorityURL, opts.TenantID),
			Scopes:       []string{opts.Scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
		now:    time.Now,
	}
}

// TokenURL returns the v2.0 token endpoint of a tenant.
func TokenURL(authority, tenant string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, tenant)
}

// Token returns the cached token, refreshing it first when it is missing or
// within the safety margin of its expiry.
func (m *Manager) Token(ctx context.Context) (*AccessToken, error) {
	if tok := m.fresh(); tok != nil {
		return tok, nil
	}

	// The flight is detached from the first caller so that its
	// cancellation does not fail everyone else waiting on it.
	ch := m.group.DoChan("token", func() (interface{}, error) {
		if tok := m.fresh(); tok != nil {
			return tok, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.Timeout)
		defer cancel()
		return m.refresh(flightCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessToken), nil
	}
}

// Invalidate drops the cached token if it still equals stale. Concurrent
// 401s on the same token therefore cause a single refresh.
func (m *Manager) Invalidate(stale string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.cached.Value == stale {
		m.cached = nil
		logrus.WithField("component", "credential").Debug("Cached access token invalidated")
	}
}

func (m *Manager) fresh() *AccessToken {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cached != nil && m.now().Add(m.opts.Margin).Before(m.cached.ExpiresAt) {
		return m.cached
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context) (*AccessToken, error) {
	start := time.Now()
	log := logrus.WithFields(logrus.Fields{
		"component": "credential",
		"tenant":    m.opts.TenantID,
	})

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	var lastErr error
	backoff := m.opts.Backoff
retry:
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		raw, err := m.oauth.Token(ctx)
		if err == nil {
			tok := &AccessToken{Value: raw.AccessToken, ExpiresAt: m.expiry(raw)}

			m.mu.Lock()
			m.cached = tok
			m.mu.Unlock()

			m.opts.Metrics.RecordTokenAcquisition(true, time.Since(start))
			log.WithFields(logrus.Fields{
				"attempt":    attempt,
				"expires_at": tok.ExpiresAt.Format(time.RFC3339),
			}).Info("Access token acquired")
			return tok, nil
		}

		lastErr = err
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   redact(err),
		}).Warn("Access token acquisition failed")

		if attempt == m.opts.Attempts || !retryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.opts.MaxBackoff {
			backoff = m.opts.MaxBackoff
		}
	}

	m.opts.Metrics.RecordTokenAcquisition(false, time.Since(start))
	e := &apierr.Error{Op: "Token", Err: apierr.ErrAuth}
	var re *oauth2.RetrieveError
	if errors.As(lastErr, &re) && re.Response != nil {
		e.Status = re.Response.StatusCode
	}
	return nil, e
}

// expiry prefers the JWT exp claim and falls back to expires_in.
func (m *Manager) expiry(raw *oauth2.Token) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if !raw.Expiry.IsZero() {
		return raw.Expiry
	}
	return m.now().Add(fallbackLifetime)
}

// retryable reports whether a token endpoint failure may succeed on retry.
// Rejected client credentials (4xx other than 429) are final.
func retryable(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return true
}

// redact keeps the error class but drops the response body, which may echo
// request parameters.
func redact(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return "token endpoint returned " + re.ErrorCode
		}
		if re.Response != nil {
			return "token endpoint returned " + re.Response.Status
		}
	}
	return err.Error()
}
