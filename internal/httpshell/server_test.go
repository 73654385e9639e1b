package httpshell

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellbridge/internal/adapter"
	"shellbridge/internal/assets"
	"shellbridge/internal/bridge"
	"shellbridge/internal/cookies"
	"shellbridge/internal/loader"
	"shellbridge/internal/metrics"
)

func newBridge(t *testing.T, scheme string) *bridge.Bridge {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "style.css"), []byte("body{}"), 0644))
	catalog, err := assets.NewCatalog(root)
	require.NoError(t, err)

	h := loader.FromHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		}
		w.Header().Set("Content-Type", "text/plain")
		body, _ := io.ReadAll(r.Body)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "%d;", i)
			w.(http.Flusher).Flush()
		}
		fmt.Fprintf(w, "url=%s cookie=%s referer=%s body=%s", r.URL, r.Header.Get("Cookie"), r.Header.Get("Referer"), body)
	}))

	b, err := bridge.New(bridge.Options{
		Scheme:  scheme,
		Catalog: catalog,
		Loader:  loader.NewStatic(h),
		Cookies: cookies.NewSynchronizer(cookies.NewMemoryStore(), nil),
		Adapter: adapter.Streaming{},
	})
	require.NoError(t, err)
	return b
}

func fetch(t *testing.T, client *http.Client, method, target, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestServesBridge(t *testing.T) {
	srv := httptest.NewServer(New(newBridge(t, "http"), metrics.New()))
	defer srv.Close()

	resp, body := fetch(t, srv.Client(), "GET", srv.URL+"/style.css", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
	assert.Equal(t, "body{}", body)

	resp, _ = fetch(t, srv.Client(), "GET", srv.URL+"/login", "", nil)
	assert.Equal(t, "sid=abc; Path=/", resp.Header.Get("Set-Cookie"))

	_, body = fetch(t, srv.Client(), "POST", srv.URL+"/echo?x=1", "payload",
		http.Header{"Referer": {"http://localhost/prev"}})
	assert.Equal(t, "0;1;2;url=http://localhost/echo?x=1 cookie=sid=abc referer=http://localhost/prev body=payload", body)
}

func TestPassthroughForUnownedRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprintf(w, "upstream %s", r.URL.Path)
	}))
	defer upstream.Close()

	// With https only https://localhost is owned; plain http goes out.
	shell := httptest.NewServer(New(newBridge(t, "https"), nil))
	defer shell.Close()

	proxyURL, err := url.Parse(shell.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	defer client.CloseIdleConnections()

	resp, body := fetch(t, client, "GET", upstream.URL+"/real", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "upstream /real", body)
}

func TestServeListenerShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(newBridge(t, "http"), nil).ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/style.css")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}
