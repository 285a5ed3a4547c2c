package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/errdefs"
)

// fakeRegistryServer serves the three-endpoint protocol for a single
// package.
func fakeRegistryServer(t *testing.T, component []byte) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/api/v1/packages/acme:calc/versions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"0.9.0", "1.0.0"}})
	})
	mux.HandleFunc("/api/v1/packages/acme:calc/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":         "acme:calc",
			"version":      "1.0.0",
			"sha256":       HashBytes(component),
			"download_url": server.URL + "/packages/acme:calc/1.0.0/component.wasm",
			"dependencies": []map[string]any{{"name": "base", "version": "^1.0"}},
		})
	})
	mux.HandleFunc("/packages/acme:calc/1.0.0/component.wasm", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(component)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(url string) *Client {
	cfg := DefaultClientConfig()
	cfg.RegistryURL = url
	cfg.MaxRetries = 2
	return NewClient(cfg)
}

func TestClientVersions(t *testing.T) {
	server := fakeRegistryServer(t, []byte("component"))
	c := newTestClient(server.URL)

	versions, err := c.Versions(context.Background(), "acme:calc")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "0.9.0", versions[0].String(), "ascending order")
	assert.Equal(t, "1.0.0", versions[1].String())

	latest, err := c.LatestVersion(context.Background(), "acme:calc")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.String())
}

func TestClientPackageInfo(t *testing.T) {
	server := fakeRegistryServer(t, []byte("component"))
	c := newTestClient(server.URL)

	info, err := c.PackageInfo(context.Background(), "acme:calc", v(t, "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "acme:calc", info.Name)
	require.Len(t, info.Dependencies, 1)
	assert.Equal(t, "base", info.Dependencies[0].Name)
	assert.Equal(t, "^1.0", info.Dependencies[0].Raw)
	assert.Equal(t, []string{"wasm32-wasip2"}, info.Targets)
}

func TestClientDownloadVerifiesHash(t *testing.T) {
	component := []byte("component")
	server := fakeRegistryServer(t, component)
	c := newTestClient(server.URL)

	data, err := c.Download(context.Background(), "acme:calc", v(t, "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, component, data)
}

func TestClientDownloadHashMismatch(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/api/v1/packages/pkg/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":         "pkg",
			"version":      "1.0.0",
			"sha256":       "not-the-real-hash",
			"download_url": server.URL + "/blob",
		})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Download(context.Background(), "pkg", v(t, "1.0.0"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindHashMismatch, errdefs.KindOf(err))
}

func TestClientNotFoundIsImmediate(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Versions(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPackageNotFound, errdefs.KindOf(err))
	assert.Equal(t, int32(1), hits.Load(), "not-found is not retried")
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"1.0.0"}})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	versions, err := c.Versions(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientVersionsMemoised(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"1.0.0"}})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Versions(context.Background(), "pkg")
	require.NoError(t, err)
	_, err = c.Versions(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	c.InvalidateVersions("pkg")
	_, err = c.Versions(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientPublish(t *testing.T) {
	var gotAuth string
	var gotName string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotName = r.FormValue("name")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.RegistryURL = server.URL
	cfg.AuthToken = "secret-token"
	c := NewClient(cfg)

	pkg := &Package{Name: "acme:calc", Version: v(t, "1.0.0")}
	require.NoError(t, c.Publish(context.Background(), pkg, []byte("component")))
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "acme:calc", gotName)
}

func TestClientPublishConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.RegistryURL = server.URL
	cfg.AuthToken = "token"
	c := NewClient(cfg)

	err := c.Publish(context.Background(), &Package{Name: "pkg", Version: v(t, "1.0.0")}, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindVersionExists, errdefs.KindOf(err))
}

func TestClientPublishRequiresToken(t *testing.T) {
	c := NewClient(DefaultClientConfig())
	err := c.Publish(context.Background(), &Package{Name: "pkg", Version: v(t, "1.0.0")}, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindRegistryViolation, errdefs.KindOf(err))
}

func TestClientMirrorFallback(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"2.0.0"}})
	}))
	defer up.Close()

	cfg := DefaultClientConfig()
	cfg.RegistryURL = down.URL
	cfg.Mirrors = []string{up.URL}
	cfg.MaxRetries = 1
	c := NewClient(cfg)

	versions, err := c.Versions(context.Background(), "pkg")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "2.0.0", versions[0].String())
}

func TestClientRewriteLocalhostDownloadURL(t *testing.T) {
	c := newTestClient("https://registry.example.com")

	rewritten := c.rewriteDownloadURL("http://localhost:8080/packages/pkg/1.0.0/component.wasm")
	assert.Equal(t, "https://registry.example.com/packages/pkg/1.0.0/component.wasm", rewritten)

	passthrough := c.rewriteDownloadURL("https://cdn.example.com/blob")
	assert.Equal(t, "https://cdn.example.com/blob", passthrough)
}

func TestClientHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			fmt.Fprint(w, "ok")
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	assert.True(t, newTestClient(server.URL).HealthCheck(context.Background()))
	assert.False(t, newTestClient("http://127.0.0.1:1").HealthCheck(context.Background()))
}
