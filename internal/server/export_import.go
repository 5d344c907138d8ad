package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"taskmachine/internal/config"
	"taskmachine/internal/models"
)

// Export 导出完整服务器配置（含密码），用于迁移或备份
func (a *API) Export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := a.Servers.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="taskmachine-servers.json"`)
	_, _ = w.Write(data)
	a.Logger.Infow("servers exported", "count", len(cfg.Servers))
}

// ImportReq replace 为 true 时替换全部，否则按 id 合并
type ImportReq struct {
	Servers []models.Server `json:"servers"`
	Replace bool            `json:"replace"`
}

// Import 按 id 合并（存在则更新，不存在则追加新 id）或整体替换
func (a *API) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ImportReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for i := range req.Servers {
		req.Servers[i].Normalize()
		if err := req.Servers[i].Validate(); err != nil {
			http.Error(w, "server "+strconv.Itoa(i)+": "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	var count int
	err := a.Servers.Update(func(cfg *models.Config) error {
		if req.Replace {
			cfg.Servers = append([]models.Server{}, req.Servers...)
			maxID := config.MaxID(cfg.Servers)
			for i := range cfg.Servers {
				if cfg.Servers[i].ID == "" {
					maxID++
					cfg.Servers[i].ID = strconv.Itoa(maxID)
				}
			}
			count = len(cfg.Servers)
			return nil
		}
		existing := make(map[string]int, len(cfg.Servers))
		for i, s := range cfg.Servers {
			existing[s.ID] = i
		}
		maxID := config.MaxID(cfg.Servers)
		for _, s := range req.Servers {
			if idx, ok := existing[s.ID]; ok && s.ID != "" {
				cfg.Servers[idx] = s
				continue
			}
			maxID++
			s.ID = strconv.Itoa(maxID)
			cfg.Servers = append(cfg.Servers, s)
		}
		count = len(cfg.Servers)
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.Logger.Infow("servers imported", "replace", req.Replace, "received", len(req.Servers), "total", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "count": count})
}
