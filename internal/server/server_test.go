package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"taskmachine/internal/auth"
	"taskmachine/internal/config"
	"taskmachine/internal/credentials"
	"taskmachine/internal/history"
	"taskmachine/internal/runner"
	"taskmachine/internal/ssh"
	"taskmachine/internal/ssh/sshtest"
	"taskmachine/internal/tools"
)

type testEnv struct {
	api     *API
	handler http.Handler
	cookies []*http.Cookie
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t).Sugar()
	dial := ssh.Options{DialTimeout: 3 * time.Second}

	sessions := auth.NewStore(time.Hour, func() *ssh.Remote { return ssh.NewRemote(dial, log) }, log)
	t.Cleanup(func() { _ = sessions.Close() })
	catalog, err := tools.Load("")
	require.NoError(t, err)

	api := New(Deps{
		Servers:     config.NewStore(dir),
		Sessions:    sessions,
		Auth:        auth.NewHandlers(auth.NewPasswords(dir), sessions, log),
		Dispatcher:  runner.NewDispatcher(runner.NewLocal(""), runner.DefaultTimeout, log),
		Catalog:     catalog,
		History:     history.Open(dir),
		Credentials: credentials.NewStore(filepath.Join(dir, ".env")),
		Dial:        dial,
		Logger:      log,
	})

	rec := httptest.NewRecorder()
	_, err = sessions.Create(rec)
	require.NoError(t, err)
	return &testEnv{api: api, handler: api.Handler(nil), cookies: rec.Result().Cookies()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func connectBody(srv *sshtest.Server, password string) string {
	return fmt.Sprintf(`{"host":%q,"port":%d,"user":%q,"password":%q}`, srv.Host(), srv.Port(), sshtest.User, password)
}

func TestRequiresLogin(t *testing.T) {
	e := newTestEnv(t)
	e.cookies = nil

	rec := e.do(t, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/auth/status", "")
	require.JSONEq(t, `{"need_setup":true,"logged_in":false}`, rec.Body.String())
}

func TestServersCRUD(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/servers", `{"name":"web","host":" 10.0.0.5 ","user":"root","password":"pw","group":"prod"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]string](t, rec)
	require.Equal(t, "1", created["id"])

	rec = e.do(t, http.MethodPost, "/api/servers", `{"name":"db","host":"10.0.0.6","user":"root"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/servers", `{"name":"","host":"x","user":"root"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), `"password"`)
	list := decode[struct {
		Groups []GroupResp `json:"groups"`
	}](t, rec)
	require.Len(t, list.Groups, 2)
	require.Equal(t, "prod", list.Groups[0].Name)
	require.Equal(t, "10.0.0.5", list.Groups[0].Servers[0].Host)
	require.Equal(t, 22, list.Groups[0].Servers[0].Port)
	require.True(t, list.Groups[0].Servers[0].HasPassword)
	require.Equal(t, "未分组", list.Groups[1].Name)

	// 未传 password 时保留原密码
	rec = e.do(t, http.MethodPut, "/api/servers/1", `{"name":"web2","host":"10.0.0.5","port":2222,"user":"root","group":"prod"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	s, err := e.api.Servers.Get("1")
	require.NoError(t, err)
	require.Equal(t, "web2", s.Name)
	require.Equal(t, 2222, s.Port)
	require.Equal(t, "pw", s.Password)

	rec = e.do(t, http.MethodPut, "/api/servers/42", `{"name":"x","host":"x","user":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/servers/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodDelete, "/api/servers/2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportImport(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/servers", `{"name":"web","host":"10.0.0.5","user":"root","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	require.Contains(t, rec.Body.String(), `"password": "pw"`)

	rec = e.do(t, http.MethodPost, "/api/import", `{"servers":[
		{"id":"1","name":"web-renamed","host":"10.0.0.5","user":"root"},
		{"name":"new","host":"10.0.0.7","user":"ops"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(2), decode[map[string]interface{}](t, rec)["count"])

	s, err := e.api.Servers.Get("1")
	require.NoError(t, err)
	require.Equal(t, "web-renamed", s.Name)
	s, err = e.api.Servers.Get("2")
	require.NoError(t, err)
	require.Equal(t, "ops", s.User)

	rec = e.do(t, http.MethodPost, "/api/import", `{"replace":true,"servers":[{"name":"only","host":"h","user":"u"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err := e.api.Servers.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	require.Equal(t, "1", cfg.Servers[0].ID)

	rec = e.do(t, http.MethodPost, "/api/import", `{"servers":[{"name":"bad"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecLocal(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/exec", `{"command":"echo hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `null`, string(decode[map[string]json.RawMessage](t, rec)["error"]))
	resp := decode[RunResp](t, rec)
	require.Equal(t, runner.TargetLocal, resp.Target)
	require.Equal(t, "hello\n", resp.Stdout)
	require.Zero(t, resp.ExitCode)

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"echo oops >&2; exit 3","target":"local"}`)
	resp = decode[RunResp](t, rec)
	require.Equal(t, 3, resp.ExitCode)
	require.NotNil(t, resp.Error)
	require.Equal(t, runner.KindNonZeroExit, resp.Error.Kind)

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"sleep 5","timeout_seconds":1}`)
	resp = decode[RunResp](t, rec)
	require.Equal(t, runner.KindTimeout, resp.Error.Kind)

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"true","target":"mars"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecRemoteNotConnected(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/exec", `{"command":"ls","target":"remote"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunResp](t, rec)
	require.Equal(t, runner.TargetRemote, resp.Target)
	require.Equal(t, runner.ExitUnknown, resp.ExitCode)
	require.Equal(t, runner.KindNotConnected, resp.Error.Kind)
}

func TestRemoteLifecycle(t *testing.T) {
	e := newTestEnv(t)
	srv := sshtest.New(t, nil)

	rec := e.do(t, http.MethodGet, "/api/remote", "")
	require.JSONEq(t, `{"connected":false}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/remote/connect", connectBody(srv, "wrong"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, runner.KindAuthFailed, decode[ErrorResp](t, rec).Kind)

	rec = e.do(t, http.MethodPost, "/api/remote/connect", connectBody(srv, sshtest.Password))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/remote/connect", connectBody(srv, sshtest.Password))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/remote", "")
	status := decode[RemoteStatusResp](t, rec)
	require.True(t, status.Connected)
	require.Equal(t, srv.Port(), status.Info.Port)

	// auto 在已连接时走远程
	rec = e.do(t, http.MethodPost, "/api/tools/run", `{"id":"list-dir","params":{"dir":"/home"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunResp](t, rec)
	require.Equal(t, runner.TargetRemote, resp.Target)
	require.Contains(t, resp.Stdout, "Documents")
	require.Nil(t, resp.Error)
	require.Equal(t, 1, srv.Execs())

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"echo local","target":"local"}`)
	require.Equal(t, runner.TargetLocal, decode[RunResp](t, rec).Target)
	require.Equal(t, 1, srv.Execs())

	rec = e.do(t, http.MethodPost, "/api/remote/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/remote/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/exec", `{"command":"echo again"}`)
	require.Equal(t, runner.TargetLocal, decode[RunResp](t, rec).Target)

	entries, err := e.api.History.List()
	require.NoError(t, err)
	var actions []string
	for _, en := range entries {
		actions = append(actions, en.Category+": "+en.Action)
	}
	require.Contains(t, actions, fmt.Sprintf("Remote: Connected to %s@127.0.0.1:%d", sshtest.User, srv.Port()))
	require.Contains(t, actions, "Remote: Disconnected from 127.0.0.1")
}

func TestRemoteConnectSavedServer(t *testing.T) {
	e := newTestEnv(t)
	srv := sshtest.New(t, nil)

	rec := e.do(t, http.MethodPost, "/api/servers",
		fmt.Sprintf(`{"name":"test","host":%q,"port":%d,"user":%q,"password":%q}`, srv.Host(), srv.Port(), sshtest.User, sshtest.Password))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/remote/test", `{"server_id":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/remote", "")
	require.JSONEq(t, `{"connected":false}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/remote/connect", `{"server_id":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/remote/connect", `{"server_id":"9"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoteTestUnreachable(t *testing.T) {
	e := newTestEnv(t)
	srv := sshtest.New(t, nil)
	body := connectBody(srv, sshtest.Password)
	srv.Close()

	rec := e.do(t, http.MethodPost, "/api/remote/test", body)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, runner.KindConnectionFailed, decode[ErrorResp](t, rec).Kind)
}

func TestTools(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cats := decode[struct {
		Categories []tools.Category `json:"categories"`
	}](t, rec).Categories
	require.NotEmpty(t, cats)
	require.Equal(t, "Linux Tools", cats[0].Name)

	rec = e.do(t, http.MethodPost, "/api/tools/run", `{"id":"dsk-free"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "disk-free")

	rec = e.do(t, http.MethodPost, "/api/tools/run", `{"id":"list-dir","params":{"nope":"x"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryAPI(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.api.History.Append(history.CategoryLinux, "first"))
	require.NoError(t, e.api.History.Append(history.CategoryLinux, "second"))

	rec := e.do(t, http.MethodGet, "/api/history", "")
	got := decode[struct {
		Entries []history.Entry `json:"entries"`
	}](t, rec).Entries
	require.Len(t, got, 2)
	require.Equal(t, "second", got[0].Action)

	rec = e.do(t, http.MethodDelete, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/history", "")
	require.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestCredentialsAPI(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPut, "/api/credentials", `{"values":{"email_user":"me@example.com","EMAIL_PASSWORD":"hunter2","SSH_HOST":null}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.ElementsMatch(t, []interface{}{"EMAIL_PASSWORD", "EMAIL_USER"}, decode[map[string]interface{}](t, rec)["changed"])

	rec = e.do(t, http.MethodGet, "/api/credentials", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
	groups := decode[struct {
		Groups []credentials.Group `json:"groups"`
	}](t, rec).Groups
	require.Len(t, groups, 6)
	require.Equal(t, "Email", groups[0].Name)
	require.Len(t, groups[0].Entries, 2)

	rec = e.do(t, http.MethodPut, "/api/credentials", `{"values":{"bad key!":"x"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	entries, err := e.api.History.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, history.CategorySettings, entries[0].Category)
}
