package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/ownership"
	"github.com/hutch-sh/hutch/pkg/ports"
	"github.com/hutch-sh/hutch/pkg/runtime"
	"github.com/hutch-sh/hutch/pkg/session"
	"github.com/hutch-sh/hutch/pkg/token"
	"github.com/hutch-sh/hutch/pkg/workspace"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// nullDriver satisfies the driver interface without an engine.
type nullDriver struct {
	mu         sync.Mutex
	containers map[string]runtime.Container
	n          int
}

func newNullDriver() *nullDriver {
	return &nullDriver{containers: make(map[string]runtime.Container)}
}

func (d *nullDriver) CreateAndStart(ctx context.Context, p runtime.Params) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	id := fmt.Sprintf("ctr-%d", d.n)
	d.containers[id] = runtime.Container{
		ID: id, SessionID: p.SessionID, Username: p.Username, HostPort: p.HostPort, Running: true,
	}
	return id, nil
}

func (d *nullDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, id)
	return nil
}

func (d *nullDriver) AwaitReady(ctx context.Context, port int, timeout time.Duration) error {
	return nil
}

func (d *nullDriver) List(ctx context.Context) ([]runtime.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]runtime.Container, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, c)
	}
	return out, nil
}

func (d *nullDriver) Ping(ctx context.Context) error { return nil }

type env struct {
	server *httptest.Server
	tokens *token.Store
	cfg    *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()

	usersPath := t.TempDir() + "/users.yaml"
	uf := &auth.UsersFile{Users: make(map[string]auth.User)}
	require.NoError(t, uf.SetPassword("alice", "alicepw", false))
	require.NoError(t, uf.SetPassword("bob", "bobpw", false))
	require.NoError(t, uf.SetPassword("root", "rootpw", true))
	require.NoError(t, uf.Save(usersPath))

	cfg := config.Default()
	cfg.Server.CookieSecure = false
	cfg.Ports.Low = 17000
	cfg.Ports.High = 17009
	cfg.Sessions.MaxPerUser = 2
	cfg.Auth.UsersFile = usersPath
	cfg.Container.WorkspaceRoot = t.TempDir()

	alloc, err := ports.NewAllocator(cfg.Ports.Low, cfg.Ports.High)
	require.NoError(t, err)
	owners, err := ownership.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { owners.Close() })
	files, err := workspace.NewManager(cfg.Container.WorkspaceRoot)
	require.NoError(t, err)

	driver := newNullDriver()
	registry := session.NewRegistry(driver, alloc, owners, files, cfg)
	tokens := token.NewStore(cfg.TokenTimeout())
	verifier := auth.NewVerifier(cfg.Auth)

	srv := NewServer(cfg, verifier, tokens, registry, owners, driver, files)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{server: ts, tokens: tokens, cfg: cfg}
}

// login returns the session cookie for a user, bypassing the form.
func (e *env) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	tok, err := e.tokens.Mint(username)
	require.NoError(t, err)
	return &http.Cookie{Name: cookieName, Value: tok}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUnauthenticated(t *testing.T) {
	e := newEnv(t)

	// API routes answer 401
	resp := e.do(t, http.MethodPost, "/session/new", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// HTML routes redirect to the login form with a return path
	resp = e.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/login")

	resp = e.do(t, http.MethodGet, "/terminal/abc123", nil, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/terminal/abc123", loc.Query().Get("next"))
}

func TestLoginLogoutRoundTrip(t *testing.T) {
	e := newEnv(t)

	form := url.Values{"username": {"alice"}, "password": {"alicepw"}, "next": {"/"}}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/login",
		strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login must set the session cookie")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	// Cookie works
	r2 := e.do(t, http.MethodGet, "/my/sessions", nil, cookie)
	assert.Equal(t, http.StatusOK, r2.StatusCode)

	// Logout revokes it
	r3 := e.do(t, http.MethodGet, "/logout", nil, cookie)
	assert.Equal(t, http.StatusFound, r3.StatusCode)
	r4 := e.do(t, http.MethodGet, "/my/sessions", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, r4.StatusCode)
}

func TestLoginFailure(t *testing.T) {
	e := newEnv(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	resp, err := http.PostForm(e.server.URL+"/login", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
}

func TestLoginRateLimit(t *testing.T) {
	e := newEnv(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	var last int
	for i := 0; i < 6; i++ {
		resp, err := http.PostForm(e.server.URL+"/login", form)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// The right password is refused while locked out
	resp, err := http.PostForm(e.server.URL+"/login",
		url.Values{"username": {"alice"}, "password": {"alicepw"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	id, _ := created["id"].(string)
	require.Len(t, id, 32)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/status", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, "running", status["state"])

	resp = e.do(t, http.MethodDelete, "/session/"+id, nil, alice)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/status", nil, alice)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCrossUserForbidden(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/status", nil, bob)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(t, http.MethodDelete, "/session/"+id, nil, bob)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admins may
	root := e.login(t, "root")
	resp = e.do(t, http.MethodDelete, "/session/"+id, nil, root)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestQuotaOverHTTP(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	for i := 0; i < 2; i++ {
		resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBatchStatus(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	aliceID := decode[map[string]any](t, resp)["id"].(string)

	resp = e.do(t, http.MethodPost, "/session/new", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bobID := decode[map[string]any](t, resp)["id"].(string)

	body, _ := json.Marshal(map[string]any{
		"session_ids": []string{aliceID, bobID, "nonexistent"},
	})
	resp = e.do(t, http.MethodPost, "/sessions/status", bytes.NewReader(body), alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Sessions map[string]struct {
			Status string `json:"status"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "running", out.Sessions[aliceID].Status)
	assert.Equal(t, "gone", out.Sessions[bobID].Status, "other users' sessions read as gone")
	assert.Equal(t, "gone", out.Sessions["nonexistent"].Status)
}

func TestMySessions(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/my/sessions", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	assert.Len(t, mine.Sessions, 1)

	resp = e.do(t, http.MethodGet, "/my/sessions", nil, bob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var theirs struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&theirs))
	assert.Empty(t, theirs.Sessions)
}

func TestAdminSessions(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")
	root := e.login(t, "root")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/sessions", nil, alice)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/sessions", nil, root)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Sessions []map[string]any `json:"sessions"`
		Total    int              `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "alice", out.Sessions[0]["username"])
	assert.NotContains(t, out.Sessions[0], "id", "admin overview must not expose ids")
}

func TestWorkspaceUploadBrowseDownload(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "hello.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello workspace"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/session/"+id+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(alice)
	up, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer up.Body.Close()
	require.Equal(t, http.StatusOK, up.StatusCode)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/browse", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Entries []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "hello.txt", listing.Entries[0].Name)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/download?path=hello.txt", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello workspace", string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "hello.txt")
}

func TestWorkspaceFilesAndArchive(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	for _, name := range []string{"a.txt", "b.txt"} {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("data-" + name))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req, err := http.NewRequest(http.MethodPost, e.server.URL+"/session/"+id+"/upload", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.AddCookie(alice)
		up, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		up.Body.Close()
		require.Equal(t, http.StatusOK, up.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/session/"+id+"/files", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Files []struct {
			Name string `json:"name"`
		} `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Files, 2)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/download-archive", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".tar.gz")

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	names := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(data)
	}
	assert.Equal(t, "data-a.txt", names["a.txt"])
	assert.Equal(t, "data-b.txt", names["b.txt"])
}

func TestDownloadArchiveRejectsFilePath(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	resp = e.do(t, http.MethodGet, "/session/"+id+"/download-archive?path=missing", nil, alice)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// dialWS connects to the bridge endpoint and returns the close code the
// server answered with.
func (e *env) dialWS(t *testing.T, id string, cookie *http.Cookie) int {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/terminal/" + id + "/ws"
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	dialer := websocket.Dialer{Subprotocols: []string{"tty"}}
	conn, resp, err := dialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr.Code
}

func TestTerminalWSCloseCodes(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")
	bob := e.login(t, "bob")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	assert.Equal(t, 4001, e.dialWS(t, id, nil), "no cookie")
	assert.Equal(t, 4004, e.dialWS(t, strings.Repeat("f", 32), alice), "unknown session")
	assert.Equal(t, 4003, e.dialWS(t, id, bob), "someone else's session")
}

func TestWorkspaceTraversalRejected(t *testing.T) {
	e := newEnv(t)
	alice := e.login(t, "alice")

	resp := e.do(t, http.MethodPost, "/session/new", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[map[string]any](t, resp)["id"].(string)

	resp = e.do(t, http.MethodGet,
		"/session/"+id+"/download?path="+url.QueryEscape("../bob/secret"), nil, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAndMetricsExempt(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/static/style.css", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
