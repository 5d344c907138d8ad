package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"taskmachine/internal/credentials"
	"taskmachine/internal/history"
)

// HistoryAPI GET 返回最新在前的记录，DELETE 清空
func (a *API) HistoryAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := a.History.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]history.Entry, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			out = append(out, entries[i])
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
	case http.MethodDelete:
		if err := a.History.Clear(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeOK(w)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// CredentialsUpdate null 表示不修改，空字符串表示删除
type CredentialsUpdate struct {
	Values map[string]*string `json:"values"`
}

// CredentialsAPI GET 返回分组后的凭据（敏感值打码），PUT 批量修改
func (a *API) CredentialsAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		env, err := a.Credentials.Load()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"path":   a.Credentials.Path(),
			"groups": credentials.Groups(env, true),
		})
	case http.MethodPut:
		var req CredentialsUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		changed, err := a.Credentials.Update(req.Values)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(changed) > 0 {
			a.record(history.CategorySettings, "Updated credentials: "+strings.Join(changed, ", "))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "changed": changed})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
