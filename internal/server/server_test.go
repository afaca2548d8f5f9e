package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spgate/spgate/internal/config"
	"github.com/spgate/spgate/pkg/s3compat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modified = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type upstream struct {
	token      *httptest.Server
	graph      *httptest.Server
	tokenHits  atomic.Int32
	graphCalls atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}

	u.token = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.tokenHits.Add(1)
		assert.Equal(t, "/tenant-1/oauth2/v2.0/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(u.token.Close)

	file := func(id, name, mime string, size int64) map[string]any {
		return map[string]any{
			"id":                   id,
			"name":                 name,
			"size":                 size,
			"eTag":                 `"{` + id + `},1"`,
			"lastModifiedDateTime": modified.Format(time.RFC3339),
			"file":                 map[string]any{"mimeType": mime},
		}
	}
	folder := func(id, name string, children int) map[string]any {
		return map[string]any{
			"id":                   id,
			"name":                 name,
			"lastModifiedDateTime": modified.Format(time.RFC3339),
			"folder":               map[string]any{"childCount": children},
		}
	}

	u.graph = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.graphCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer upstream-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1.0/drives/d1/root/children":
			json.NewEncoder(w).Encode(map[string]any{"value": []any{
				file("id-readme", "readme.txt", "text/plain", 5),
				folder("id-reports", "reports", 2),
			}})
		case "/v1.0/drives/d1/root:/reports:/children":
			json.NewEncoder(w).Encode(map[string]any{"value": []any{
				file("id-b", "b.pdf", "application/pdf", 3),
				file("id-a", "a.pdf", "application/pdf", 3),
			}})
		case "/v1.0/drives/d1/root:/readme.txt:":
			json.NewEncoder(w).Encode(file("id-readme", "readme.txt", "text/plain", 5))
		case "/v1.0/drives/d1/items/id-readme/content":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "hello")
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`)
		}
	}))
	t.Cleanup(u.graph.Close)

	return u
}

func testConfig(u *upstream) *config.Config {
	return &config.Config{
		Listen: "127.0.0.1:0",
		Auth: config.AuthConfig{
			EnableAuth:        true,
			Username:          "reader",
			Password:          "s3cret",
			MaxFailedAttempts: 5,
			LockoutWindow:     time.Minute,
		},
		Graph: config.GraphConfig{
			TenantID:       "tenant-1",
			ClientID:       "client",
			ClientSecret:   "secret",
			AuthorityURL:   u.token.URL,
			BaseURL:        u.graph.URL + "/v1.0",
			RequestTimeout: 5 * time.Second,
			MaxAttempts:    2,
			BaseBackoff:    time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			TokenAttempts:  1,
			PageSize:       100,
			SearchLimit:    100,
		},
		Buckets: map[string]config.BucketConfig{
			"docs": {DriveID: "d1"},
		},
		Listing: config.ListingConfig{DefaultMaxKeys: 1000, MaxKeysCeiling: 1000},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func call(t *testing.T, srv *httptest.Server, path, body string, authenticate bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authenticate {
		req.SetBasicAuth("reader", "s3cret")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_EndToEnd(t *testing.T) {
	u := newUpstream(t)
	s, err := New(testConfig(u))
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("Requires credentials", func(t *testing.T) {
		resp := call(t, srv, "/listObjectsV2", `{"bucket":"docs"}`, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
		assert.Zero(t, u.graphCalls.Load())
	})

	t.Run("Lists with delimiter", func(t *testing.T) {
		resp := call(t, srv, "/listObjectsV2", `{"bucket":"docs","delimiter":"/"}`, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result s3compat.ListBucketResult
		require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))
		require.Len(t, result.Contents, 1)
		assert.Equal(t, "readme.txt", result.Contents[0].Key)
		require.Len(t, result.CommonPrefixes, 1)
		assert.Equal(t, "reports/", result.CommonPrefixes[0].Prefix)
	})

	t.Run("Paginates full traversal", func(t *testing.T) {
		var keys []string
		token := ""
		for i := 0; i < 5; i++ {
			body, _ := json.Marshal(map[string]any{"bucket": "docs", "max_keys": 1, "continuation_token": token})
			resp := call(t, srv, "/listObjectsV2", string(body), true)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var result s3compat.ListBucketResult
			require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))
			for _, c := range result.Contents {
				keys = append(keys, c.Key)
			}
			if !result.IsTruncated {
				break
			}
			token = result.NextContinuationToken
		}
		assert.Equal(t, []string{"readme.txt", "reports/a.pdf", "reports/b.pdf"}, keys)
	})

	t.Run("Downloads an object", func(t *testing.T) {
		resp := call(t, srv, "/getObject", `{"bucket":"docs","key":"readme.txt"}`, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "5", resp.Header.Get("Content-Length"))
		assert.Equal(t, `"{id-readme},1"`, resp.Header.Get("ETag"))
	})

	t.Run("Missing object", func(t *testing.T) {
		resp := call(t, srv, "/getObject", `{"bucket":"docs","key":"nope.txt"}`, true)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "<Code>NoSuchKey</Code>")
		assert.NotContains(t, string(body), "could not be found")
	})

	t.Run("Unknown bucket", func(t *testing.T) {
		resp := call(t, srv, "/listObjectsV2", `{"bucket":"other"}`, true)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Probes are public", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(srv.URL + "/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Token is cached", func(t *testing.T) {
		assert.Equal(t, int32(1), u.tokenHits.Load())
	})

	t.Run("Metrics", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
		req.SetBasicAuth("reader", "s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), `spgate_s3_operations_total{bucket="docs",operation="GetObject",status="success"} 1`)
		assert.Contains(t, string(body), `path="/listObjectsV2"`)
	})
}

func TestServer_ProxyHeaders(t *testing.T) {
	u := newUpstream(t)
	cfg := testConfig(u)
	cfg.Auth.MaxFailedAttempts = 1

	t.Run("Ignored by default", func(t *testing.T) {
		s, err := New(cfg)
		require.NoError(t, err)
		srv := httptest.NewServer(s.Handler())
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/listBuckets", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// A new forwarded address does not escape the lockout
		req, _ = http.NewRequest(http.MethodPost, srv.URL+"/listBuckets", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.2")
		req.SetBasicAuth("reader", "s3cret")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	})

	t.Run("Applied when trusted", func(t *testing.T) {
		cfg.TrustProxyHeaders = true
		s, err := New(cfg)
		require.NoError(t, err)
		srv := httptest.NewServer(s.Handler())
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/listBuckets", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		req, _ = http.NewRequest(http.MethodPost, srv.URL+"/listBuckets", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.2")
		req.SetBasicAuth("reader", "s3cret")
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_InvalidBucketPattern(t *testing.T) {
	u := newUpstream(t)
	cfg := testConfig(u)
	cfg.Buckets["docs"] = config.BucketConfig{DriveID: "d1", Include: []string{"[unclosed"}}

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	u := newUpstream(t)
	s, err := New(testConfig(u))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/health")
	assert.Error(t, err)
}
