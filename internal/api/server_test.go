package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/treexport/internal/config"
	"github.com/JakeFAU/treexport/internal/exporter"
	"github.com/JakeFAU/treexport/internal/progress"
	"github.com/JakeFAU/treexport/internal/remote"
	"github.com/JakeFAU/treexport/internal/tabular"
)

func TestServer_TableDownload_RendersCSV(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"path":"/R"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Equal(t, "attachment; filename=_R.csv", rec.Header().Get("Content-Disposition"))
	lines := strings.Split(rec.Body.String(), "\n")
	require.Equal(t, []string{
		tabular.Header,
		"R,folder,,,,/R",
		"sub,folder,,,,/R/sub",
		"b.txt,file,,,txt,/R/sub/b.txt",
		"a.txt,file,,,txt,/R/a.txt",
	}, lines)
	require.Empty(t, rec.Header().Get(partialHeader))
	require.Equal(t, []string{"Bearer tok"}, env.remote.Credentials())
}

func TestServer_TableDownload_Partial(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.remote.failNode["/R/sub"] = remote.ErrForbidden
	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"path":"/R"}`))
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get(partialHeader))
	require.NotContains(t, rec.Body.String(), "b.txt")
	require.Contains(t, rec.Body.String(), "a.txt")
}

func TestServer_TableDownload_MissingTokenOrPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		body  string
		token string
	}{
		{name: "no token", body: `{"path":"/R"}`},
		{name: "no path", body: `{}`, token: "tok"},
		{name: "bad json", body: `{oops`, token: "tok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, config.Config{})
			req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(tc.body))
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			rec := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.JSONEq(t, `{"error":"No token or path"}`, rec.Body.String())
			require.Zero(t, env.remote.Calls())
		})
	}
}

func TestServer_TableDownload_LogsMalformedBody(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	b := progress.NewBroadcaster(progress.Config{})
	svc, err := exporter.New(exporter.Config{}, exporter.Deps{
		Source:      newFakeRemote(),
		Broadcaster: b,
		IDs:         fakeIDs{},
		Clock:       fakeClock{now: time.Unix(100, 0)},
	})
	require.NoError(t, err)
	server := NewServer(config.Config{Server: config.ServerConfig{RequestTimeoutSec: 5}}, Deps{
		Exporter:    svc,
		Upstream:    &fakeUpstream{},
		Broadcaster: b,
		Logger:      zap.New(core),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"path":`))
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	entries := logs.FilterMessage("decode table export request failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)

	// An empty body is a missing path, not a malformed one.
	req = httptest.NewRequest(http.MethodPost, "/api/download", http.NoBody)
	req.Header.Set("Authorization", "tok")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, logs.FilterMessage("decode table export request failed").All(), 1)
}

func TestServer_FolderDownload_StreamsStoredZip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/folder-download?folderPath=/R", nil)
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	require.Equal(t, "attachment; filename=R.zip", rec.Header().Get("Content-Disposition"))
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
		require.Equal(t, zip.Store, f.Method)
	}
	require.Equal(t, []string{"sub/b.txt", "a.txt"}, names)
}

func TestServer_FolderDownload_RootFailureIs502(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.remote.failNode["/R"] = remote.ErrUnauthorized
	req := httptest.NewRequest(http.MethodGet, "/api/folder-download?folderPath=/R", nil)
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), msgBundleFailed)
}

func TestServer_FolderDownload_MissingPathIs400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/folder-download", nil)
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"No token or path"}`, rec.Body.String())
}

func TestServer_FolderDownload_ContentFailureAborts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.remote.failContent["/R/a.txt"] = remote.ErrServerError
	req := httptest.NewRequest(http.MethodGet, "/api/folder-download?folderPath=/R", nil)
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		env.server.Handler().ServeHTTP(rec, req)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.Error(t, err)
}

func TestServer_Token(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.upstream.token = &oauth2.Token{AccessToken: "abc", TokenType: "Bearer"}
	body := `{"username":"u","password":"p","client_id":"c","client_secret":"s"}`
	req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(body))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"access_token":"abc","token_type":"Bearer"}`, rec.Body.String())
	require.Equal(t, remote.PasswordGrant{Username: "u", Password: "p", ClientID: "c", ClientSecret: "s"}, env.upstream.lastGrant)
}

func TestServer_TokenFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.upstream.err = errors.New("denied")
	req := httptest.NewRequest(http.MethodPost, "/api/token", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Failed to fetch token"}`, rec.Body.String())
}

func TestServer_FilesPassThrough(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.upstream.raw = json.RawMessage(`{"name":"R","is_folder":true,"custom":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader(`{"path":"/R"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"name":"R","is_folder":true,"custom":1}`, rec.Body.String())
	require.Equal(t, "Bearer tok", env.upstream.lastCredential)
	require.Equal(t, "/R", env.upstream.lastPath)

	env.upstream.err = remote.ErrNotFound
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader(`{"path":"/R"}`))
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Failed to fetch files"}`, rec.Body.String())
}

func TestServer_FileDownload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.upstream.content = "%PDF-1.4"
	req := httptest.NewRequest(http.MethodGet, "/api/filedown?filePath="+url.QueryEscape("/R/Q3 report.PDF"), nil)
	req.Header.Set("Authorization", "tok")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="Q3 report.PDF"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "%PDF-1.4", rec.Body.String())
	require.Equal(t, "/R/Q3 report.PDF", env.upstream.lastPath)
}

func TestContentTypeFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/octet-stream", contentTypeFor("README"))
	require.Equal(t, "application/octet-stream", contentTypeFor("blob.unknownext"))
	require.Equal(t, "image/png", contentTypeFor("logo.PNG"))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	h := env.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"path":"/R"}`)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"path":"/R"}`))
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Authorization", "tok")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready","observers":0}`, rec.Body.String())

	bare := NewServer(config.Config{}, Deps{})
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "given", rec.Header().Get("X-Request-ID"))
}

func TestServer_WebsocketFeed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.Eventually(t, func() bool { return env.broadcaster.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.broadcaster.Publish(progress.Update{SessionID: uuid.New(), Kind: progress.KindTable, Value: 3})

	var msg map[string]int
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, map[string]int{"progress": 3}, msg)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return env.broadcaster.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_EventStreamFeed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/progress/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.broadcaster.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.broadcaster.Publish(progress.Update{SessionID: uuid.New(), Kind: progress.KindBundle, Value: 7})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(after)
		}
	}
	require.JSONEq(t, `{"progress":7}`, data)

	cancel()
	require.Eventually(t, func() bool { return env.broadcaster.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// --- helpers/fakes ---

type testEnv struct {
	server      *Server
	remote      *fakeRemote
	upstream    *fakeUpstream
	broadcaster *progress.Broadcaster
}

func newTestEnv(t *testing.T, cfg config.Config) testEnv {
	t.Helper()
	if cfg.Server.CORSOrigins == nil {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.RequestTimeoutSec == 0 {
		cfg.Server.RequestTimeoutSec = 5
	}
	if cfg.Progress.WriteTimeoutMs == 0 {
		cfg.Progress.WriteTimeoutMs = 1000
	}

	src := newFakeRemote()
	b := progress.NewBroadcaster(progress.Config{})
	svc, err := exporter.New(exporter.Config{}, exporter.Deps{
		Source:      src,
		Broadcaster: b,
		IDs:         fakeIDs{},
		Clock:       fakeClock{now: time.Unix(100, 0)},
	})
	require.NoError(t, err)
	up := &fakeUpstream{}
	server := NewServer(cfg, Deps{Exporter: svc, Upstream: up, Broadcaster: b})
	return testEnv{server: server, remote: src, upstream: up, broadcaster: b}
}

type fakeIDs struct{}

func (fakeIDs) SessionID() (uuid.UUID, error) { return uuid.New(), nil }

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeRemote struct {
	mu          sync.Mutex
	nodes       map[string]remote.Node
	content     map[string]string
	failNode    map[string]error
	failContent map[string]error
	calls       int
	credentials []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nodes: map[string]remote.Node{
			"/R": {
				Name: "R", Path: "/R", IsFolder: true,
				Folders: []remote.Node{{Name: "sub", Path: "/R/sub", IsFolder: true}},
				Files:   []remote.Node{{Name: "a.txt", Path: "/R/a.txt"}},
			},
			"/R/sub": {
				Name: "sub", Path: "/R/sub", IsFolder: true,
				Files: []remote.Node{{Name: "b.txt", Path: "/R/sub/b.txt"}},
			},
		},
		content:     map[string]string{"/R/a.txt": "alpha", "/R/sub/b.txt": "bravo"},
		failNode:    map[string]error{},
		failContent: map[string]error{},
	}
}

func (f *fakeRemote) Bind(credential string) exporter.Fetcher {
	f.mu.Lock()
	f.credentials = append(f.credentials, credential)
	f.mu.Unlock()
	return f
}

func (f *fakeRemote) FetchNode(_ context.Context, path string) (remote.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failNode[path]; ok {
		return remote.Node{}, err
	}
	node, ok := f.nodes[path]
	if !ok {
		return remote.Node{}, remote.ErrNotFound
	}
	return node, nil
}

func (f *fakeRemote) FetchContent(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failContent[path]; ok {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(f.content[path])), nil
}

func (f *fakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) Credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.credentials...)
}

type fakeUpstream struct {
	token          *oauth2.Token
	raw            json.RawMessage
	content        string
	err            error
	lastGrant      remote.PasswordGrant
	lastCredential string
	lastPath       string
}

func (u *fakeUpstream) Token(_ context.Context, grant remote.PasswordGrant) (*oauth2.Token, error) {
	u.lastGrant = grant
	if u.err != nil {
		return nil, u.err
	}
	return u.token, nil
}

func (u *fakeUpstream) FetchNodeRaw(_ context.Context, credential, path string) (json.RawMessage, error) {
	u.lastCredential, u.lastPath = credential, path
	if u.err != nil {
		return nil, u.err
	}
	return u.raw, nil
}

func (u *fakeUpstream) FetchContent(_ context.Context, credential, path string) (io.ReadCloser, error) {
	u.lastCredential, u.lastPath = credential, path
	if u.err != nil {
		return nil, u.err
	}
	return io.NopCloser(strings.NewReader(u.content)), nil
}
