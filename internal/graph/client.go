// Package graph is the Microsoft Graph drive client: listing folder children,
// item metadata, search and content download, with token handling, retry and
// backoff applied uniformly to every call.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/apierr"
	"github.com/spgate/spgate/internal/bucket"
	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/internal/credential"
	"github.com/spgate/spgate/internal/metrics"
	"github.com/spgate/spgate/internal/pathmap"
	"golang.org/x/time/rate"
)

// TreeClient reads the folder tree of a drive.
type TreeClient interface {
	// ListChildren returns one page of a folder's children. pageCursor is
	// empty for the first page; the returned cursor is empty on the last.
	ListChildren(ctx context.Context, drive *bucket.Drive, path, pageCursor string) ([]RemoteItem, string, error)

	// GetItem returns the metadata of the item at path.
	GetItem(ctx context.Context, drive *bucket.Drive, path string) (*RemoteItem, error)

	// OpenContent opens the content stream of a file.
	OpenContent(ctx context.Context, drive *bucket.Drive, item *RemoteItem) (*Content, error)

	// Search runs a drive search scoped to the folder at path.
	Search(ctx context.Context, drive *bucket.Drive, path, query string) ([]RemoteItem, error)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration

	// RateLimit caps outbound requests per second, 0 disables it.
	RateLimit   float64
	PageSize    int
	SearchLimit int

	HTTPClient *http.Client
	Metrics    metrics.Manager
}

// OptionsFromConfig derives client options from the graph configuration.
func OptionsFromConfig(cfg config.GraphConfig) Options {
	return Options{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RateLimit:      cfg.RateLimit,
		PageSize:       cfg.PageSize,
		SearchLimit:    cfg.SearchLimit,
	}
}

// Client implements TreeClient over the Graph REST API.
type Client struct {
	opts    Options
	creds   credential.Source
	http    *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewClient creates a Graph client that authenticates with creds.
func NewClient(opts Options, creds credential.Source) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 1000
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		// Content streams may run far longer than any single call, so only
		// the wait for response headers is bounded here.
		transport.ResponseHeaderTimeout = opts.RequestTimeout
		httpClient = &http.Client{Transport: transport}
	}

	c := &Client{
		opts:  opts,
		creds: creds,
		http:  httpClient,
		log:   logrus.WithField("component", "graph"),
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// ListChildren implements TreeClient.
func (c *Client) ListChildren(ctx context.Context, drive *bucket.Drive, path, pageCursor string) ([]RemoteItem, string, error) {
	const op = "ListChildren"

	target := pageCursor
	if target == "" {
		target = c.itemURL(drive, path) + "/children?$top=" + strconv.Itoa(c.opts.PageSize)
	} else if !strings.HasPrefix(target, c.opts.BaseURL+"/") {
		return nil, "", &apierr.Error{Op: op, Bucket: drive.Bucket, Key: path, Err: fmt.Errorf("%w: foreign next link", apierr.ErrUpstream)}
	}

	var page itemCollection
	if err := c.getJSON(ctx, op, drive, path, target, &page); err != nil {
		return nil, "", err
	}

	items := make([]RemoteItem, 0, len(page.Value))
	for i := range page.Value {
		items = append(items, page.Value[i].toRemote(pathmap.Join(path, page.Value[i].Name)))
	}
	return items, page.NextLink, nil
}

// GetItem implements TreeClient.
func (c *Client) GetItem(ctx context.Context, drive *bucket.Drive, path string) (*RemoteItem, error) {
	var d driveItem
	if err := c.getJSON(ctx, "GetItem", drive, path, c.itemURL(drive, path), &d); err != nil {
		return nil, err
	}
	item := d.toRemote(path)
	return &item, nil
}

// OpenContent implements TreeClient. Graph answers with a redirect to a
// pre-authenticated download URL; net/http follows it and drops the
// Authorization header when the host changes.
func (c *Client) OpenContent(ctx context.Context, drive *bucket.Drive, item *RemoteItem) (*Content, error) {
	target := c.opts.BaseURL + drive.RootPath() + "/items/" + url.PathEscape(item.ID) + "/content"

	resp, err := c.do(ctx, "OpenContent", drive, item.Path, target, false)
	if err != nil {
		return nil, err
	}

	content := &Content{
		Body:         resp.Body,
		Size:         resp.ContentLength,
		ContentType:  item.ContentType,
		ETag:         item.ETag,
		LastModified: item.LastModified,
	}
	if content.Size < 0 {
		content.Size = item.Size
	}
	if content.ContentType == "" {
		content.ContentType = resp.Header.Get("Content-Type")
	}
	return content, nil
}

// ErrSearchLimit is wrapped into the validation error returned when a search
// matches more items than the configured search limit. Graph returns hits
// in relevance order, so a capped result cannot be listed in key order
// without omitting entries.
var ErrSearchLimit = errors.New("search matched more items than the search limit")

// Search implements TreeClient. Results are drained across all pages; more
// hits than the configured search limit fail with ErrSearchLimit. Items
// whose location Graph does not report are dropped, since no key can be
// derived for them.
func (c *Client) Search(ctx context.Context, drive *bucket.Drive, path, query string) ([]RemoteItem, error) {
	const op = "Search"

	q := strings.ReplaceAll(query, "'", "''")
	target := c.itemURL(drive, path) + "/search(q='" + url.PathEscape(q) + "')?$top=" + strconv.Itoa(c.opts.PageSize)

	var items []RemoteItem
	for target != "" {
		if !strings.HasPrefix(target, c.opts.BaseURL+"/") {
			return nil, &apierr.Error{Op: op, Bucket: drive.Bucket, Key: path, Err: fmt.Errorf("%w: foreign next link", apierr.ErrUpstream)}
		}

		var page itemCollection
		if err := c.getJSON(ctx, op, drive, path, target, &page); err != nil {
			return nil, err
		}

		for i := range page.Value {
			d := &page.Value[i]
			if d.ParentReference == nil || d.ParentReference.Path == "" {
				c.log.WithFields(logrus.Fields{"bucket": drive.Bucket, "id": d.ID}).Debug("Search hit without parent path skipped")
				continue
			}
			parent, err := pathmap.ReferenceToPath(d.ParentReference.Path)
			if err != nil {
				continue
			}
			if len(items) >= c.opts.SearchLimit {
				c.log.WithFields(logrus.Fields{
					"bucket": drive.Bucket,
					"path":   path,
					"limit":  c.opts.SearchLimit,
				}).Warn("Search result exceeds the search limit")
				return nil, &apierr.Error{
					Op:     op,
					Bucket: drive.Bucket,
					Key:    path,
					Err:    fmt.Errorf("%w: %w (limit %d)", apierr.ErrValidation, ErrSearchLimit, c.opts.SearchLimit),
				}
			}
			items = append(items, d.toRemote(pathmap.Join(parent, d.Name)))
		}
		target = page.NextLink
	}
	return items, nil
}

// itemURL addresses an item by path: "{drive}/root" or "{drive}/root:/{path}:".
func (c *Client) itemURL(drive *bucket.Drive, path string) string {
	base := c.opts.BaseURL + drive.RootPath() + "/root"
	if path == "" {
		return base
	}

	segments := strings.Split(path, pathmap.Separator)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return base + ":/" + strings.Join(segments, "/") + ":"
}

func (c *Client) getJSON(ctx context.Context, op string, drive *bucket.Drive, path, target string, out interface{}) error {
	resp, err := c.do(ctx, op, drive, path, target, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &apierr.Error{Op: op, Bucket: drive.Bucket, Key: path, Err: apierr.ErrUnavailable}
		}
		return &apierr.Error{Op: op, Bucket: drive.Bucket, Key: path, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: decode response: %v", apierr.ErrUpstream, err)}
	}
	return nil
}

// do performs a GET with authentication, retry and backoff. When bounded is
// set, the whole call including reading the body is limited by the request
// timeout. The caller owns the returned body.
func (c *Client) do(ctx context.Context, op string, drive *bucket.Drive, path, target string, bounded bool) (*http.Response, error) {
	log := c.log.WithFields(logrus.Fields{"op": op, "bucket": drive.Bucket, "path": path})
	fail := func(status int, retryAfter time.Duration, err error) error {
		return &apierr.Error{Op: op, Bucket: drive.Bucket, Key: path, Status: status, RetryAfter: retryAfter, Err: err}
	}

	reauthenticated := false
	var lastStatus int
	var lastRetryAfter time.Duration

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// The deadline ends before a slot frees up.
				return nil, fail(0, 0, fmt.Errorf("%w: %v", apierr.ErrUnavailable, err))
			}
		}

		tok, err := c.creds.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if bounded {
			reqCtx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
		if err != nil {
			cancel()
			return nil, fail(0, 0, fmt.Errorf("%w: %v", apierr.ErrUpstream, err))
		}
		req.Header.Set("Authorization", "Bearer "+tok.Value)
		if bounded {
			req.Header.Set("Accept", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			c.opts.Metrics.RecordUpstreamRequest(op, 0, time.Since(start))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !transientNetError(err) {
				return nil, fail(0, 0, fmt.Errorf("%w: %v", apierr.ErrUpstream, err))
			}
			lastStatus, lastRetryAfter = 0, 0
			log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Warn("Graph request failed")
			if attempt == c.opts.MaxAttempts {
				continue
			}
			if !c.backoff(ctx, op, "timeout", attempt, 0) {
				return nil, ctx.Err()
			}
			continue
		}
		c.opts.Metrics.RecordUpstreamRequest(op, resp.StatusCode, time.Since(start))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		code := graphErrorCode(resp)
		cancel()
		rlog := log.WithFields(logrus.Fields{"attempt": attempt, "status": resp.StatusCode, "code": code})

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if reauthenticated {
				return nil, fail(resp.StatusCode, 0, apierr.ErrAuth)
			}
			reauthenticated = true
			rlog.Info("Graph rejected access token, refreshing")
			c.creds.Invalidate(tok.Value)
			c.opts.Metrics.RecordUpstreamRetry(op, "unauthorized")
			// The forced refresh does not consume a retry attempt.
			attempt--
			continue

		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastStatus = resp.StatusCode
			lastRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			if attempt == c.opts.MaxAttempts {
				continue
			}
			reason := "unavailable"
			if resp.StatusCode == http.StatusTooManyRequests {
				reason = "throttled"
			}
			rlog.WithField("retry_after", lastRetryAfter.String()).Warn("Graph request throttled, backing off")
			if !c.backoff(ctx, op, reason, attempt, lastRetryAfter) {
				return nil, ctx.Err()
			}
			continue

		case http.StatusNotFound:
			return nil, fail(resp.StatusCode, 0, apierr.ErrNotFound)

		case http.StatusForbidden:
			rlog.Warn("Graph denied access")
			return nil, fail(resp.StatusCode, 0, fmt.Errorf("%w: access denied by upstream", apierr.ErrUpstream))

		default:
			rlog.Warn("Graph request failed")
			return nil, fail(resp.StatusCode, 0, apierr.ErrUpstream)
		}
	}

	if lastStatus == http.StatusTooManyRequests {
		return nil, fail(lastStatus, lastRetryAfter, apierr.ErrRateLimited)
	}
	return nil, fail(lastStatus, lastRetryAfter, apierr.ErrUnavailable)
}

// backoff sleeps before the next attempt: exponential in the attempt number,
// at least the upstream hint, capped by MaxBackoff. It returns false when ctx
// ended first.
func (c *Client) backoff(ctx context.Context, op, reason string, attempt int, hint time.Duration) bool {
	c.opts.Metrics.RecordUpstreamRetry(op, reason)

	delay := c.opts.BaseBackoff << (attempt - 1)
	if delay <= 0 || delay > c.opts.MaxBackoff {
		delay = c.opts.MaxBackoff
	}
	if hint > delay {
		delay = hint
	}
	if delay > c.opts.MaxBackoff {
		delay = c.opts.MaxBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// graphErrorCode reads the error code of a failed response and drains the
// body so the connection can be reused. The message is never surfaced.
func graphErrorCode(resp *http.Response) string {
	defer resp.Body.Close()

	var e errorResponse
	body := io.LimitReader(resp.Body, 64<<10)
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		_, _ = io.Copy(io.Discard, body)
		return ""
	}
	_, _ = io.Copy(io.Discard, body)
	return e.Error.Code
}

func transientNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// cancelOnClose releases the per-call timeout together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
