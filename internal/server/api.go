package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"taskmachine/internal/auth"
	"taskmachine/internal/config"
	"taskmachine/internal/credentials"
	"taskmachine/internal/history"
	"taskmachine/internal/models"
	"taskmachine/internal/runner"
	"taskmachine/internal/ssh"
	"taskmachine/internal/tools"
)

// Deps API 依赖
type Deps struct {
	Servers     *config.Store
	Sessions    *auth.Store
	Auth        *auth.Handlers
	Dispatcher  *runner.Dispatcher
	Catalog     *tools.Catalog
	History     *history.Log
	Credentials *credentials.Store
	Dial        ssh.Options
	Logger      *zap.SugaredLogger
}

// API HTTP 接口
type API struct {
	Deps
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	return &API{Deps: d}
}

// Handler 注册全部路由；static 为前端静态文件
func (a *API) Handler(static http.Handler) http.Handler {
	mux := http.NewServeMux()
	protect := a.Sessions.RequireAuth

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/auth/status", a.Auth.Status)
	mux.HandleFunc("/api/auth/setup", a.Auth.Setup)
	mux.HandleFunc("/api/auth/login", a.Auth.Login)
	mux.HandleFunc("/api/auth/logout", a.Auth.Logout)
	mux.HandleFunc("/api/auth/reset", protect(a.Auth.Reset))

	mux.HandleFunc("/api/servers", protect(a.ServersAPI))
	mux.HandleFunc("/api/servers/", protect(a.ServersAPI))
	mux.HandleFunc("/api/export", protect(a.Export))
	mux.HandleFunc("/api/import", protect(a.Import))

	mux.HandleFunc("/api/remote", protect(a.RemoteStatus))
	mux.HandleFunc("/api/remote/connect", protect(a.RemoteConnect))
	mux.HandleFunc("/api/remote/test", protect(a.RemoteTest))
	mux.HandleFunc("/api/remote/disconnect", protect(a.RemoteDisconnect))

	mux.HandleFunc("/api/tools", protect(a.ListTools))
	mux.HandleFunc("/api/tools/run", protect(a.RunTool))
	mux.HandleFunc("/api/exec", protect(a.Exec))

	mux.HandleFunc("/api/history", protect(a.HistoryAPI))
	mux.HandleFunc("/api/credentials", protect(a.CredentialsAPI))

	if static != nil {
		mux.Handle("/", static)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ErrorResp 带分类的错误响应
type ErrorResp struct {
	Error string      `json:"error"`
	Kind  runner.Kind `json:"kind,omitempty"`
}

// writeError 按错误类型映射状态码
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrServerNotFound), errors.Is(err, tools.ErrUnknownTool):
		code = http.StatusNotFound
	case errors.Is(err, ssh.ErrInvalidTarget), errors.Is(err, tools.ErrInvalidParam),
		errors.Is(err, credentials.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, ssh.ErrAlreadyConnected):
		code = http.StatusConflict
	default:
		switch runner.KindOf(err) {
		case runner.KindAuthFailed:
			code = http.StatusUnauthorized
		case runner.KindConnectionFailed:
			code = http.StatusBadGateway
		case runner.KindTimeout:
			code = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, code, ErrorResp{Error: err.Error(), Kind: runner.KindOf(err)})
}

// session RequireAuth 之后必然存在
func (a *API) session(w http.ResponseWriter, r *http.Request) (*auth.Session, bool) {
	sess, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return sess, ok
}

func (a *API) record(category, action string) {
	if a.History == nil {
		return
	}
	if err := a.History.Append(category, action); err != nil {
		a.Logger.Errorw("history append failed", "category", category, "error", err)
	}
}

// GroupResp 分组（不含密码）
type GroupResp struct {
	Name    string       `json:"name"`
	Servers []ServerResp `json:"servers"`
}

// ServerResp 对外暴露的服务器信息（不含密码）
type ServerResp struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	KeyPath     string `json:"key_path,omitempty"`
	Group       string `json:"group"`
	HasPassword bool   `json:"has_password"`
}

func groupsFromConfig(cfg *models.Config) []GroupResp {
	m := make(map[string][]ServerResp)
	for _, s := range cfg.Servers {
		g := s.Group
		if g == "" {
			g = models.UngroupedName
		}
		m[g] = append(m[g], ServerResp{
			ID:          s.ID,
			Name:        s.Name,
			Host:        s.Host,
			Port:        s.Port,
			User:        s.User,
			KeyPath:     s.KeyPath,
			Group:       s.Group,
			HasPassword: s.Password != "",
		})
	}
	names := make([]string, 0, len(m))
	for k := range m {
		if k != models.UngroupedName {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	names = append(names, models.UngroupedName)
	out := make([]GroupResp, 0, len(names))
	for _, n := range names {
		if _, ok := m[n]; ok {
			out = append(out, GroupResp{Name: n, Servers: m[n]})
		}
	}
	return out
}

// ServersAPI 统一处理 /api/servers 与 /api/servers/:id
func (a *API) ServersAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "/api/servers" {
		switch r.Method {
		case http.MethodGet:
			a.GetServers(w, r)
			return
		case http.MethodPost:
			a.CreateServer(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(path, "/api/servers/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		a.UpdateServer(w, r, id)
	case http.MethodDelete:
		a.DeleteServer(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// GetServers 返回分组后的服务器列表（不含密码）
func (a *API) GetServers(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Servers.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groupsFromConfig(cfg)})
}

// ServerBody 创建/编辑时的请求体；编辑时 Password 为 nil 表示不修改，空字符串表示清空
type ServerBody struct {
	Name     string  `json:"name"`
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	User     string  `json:"user"`
	Password *string `json:"password,omitempty"`
	KeyPath  string  `json:"key_path"`
	Group    string  `json:"group"`
}

func (b ServerBody) server() models.Server {
	s := models.Server{Name: b.Name, Host: b.Host, Port: b.Port, User: b.User, KeyPath: b.KeyPath, Group: b.Group}
	if b.Password != nil {
		s.Password = strings.TrimSpace(*b.Password)
	}
	s.Normalize()
	return s
}

// CreateServer 添加服务器
func (a *API) CreateServer(w http.ResponseWriter, r *http.Request) {
	var body ServerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s := body.server()
	if err := s.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := a.Servers.Update(func(cfg *models.Config) error {
		s.ID = strconv.Itoa(config.MaxID(cfg.Servers) + 1)
		cfg.Servers = append(cfg.Servers, s)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID})
}

// UpdateServer 编辑服务器
func (a *API) UpdateServer(w http.ResponseWriter, r *http.Request, id string) {
	var body ServerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	next := body.server()
	if err := next.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := a.Servers.Update(func(cfg *models.Config) error {
		for i := range cfg.Servers {
			if cfg.Servers[i].ID != id {
				continue
			}
			if body.Password == nil {
				next.Password = cfg.Servers[i].Password
			}
			next.ID = id
			cfg.Servers[i] = next
			return nil
		}
		return config.ErrServerNotFound
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// DeleteServer 删除服务器
func (a *API) DeleteServer(w http.ResponseWriter, r *http.Request, id string) {
	err := a.Servers.Update(func(cfg *models.Config) error {
		kept := make([]models.Server, 0, len(cfg.Servers))
		for _, s := range cfg.Servers {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == len(cfg.Servers) {
			return config.ErrServerNotFound
		}
		cfg.Servers = kept
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}
