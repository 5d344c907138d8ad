package models

import (
	"fmt"
	"strings"
)

// UngroupedName 未设置分组的服务器在列表中的分组名
const UngroupedName = "未分组"

// Server 已保存的 SSH 主机，可作为远程会话的连接目标
type Server struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`     // 0 表示默认 22
	User     string `json:"user"`
	Password string `json:"password"` // 可选，与 KeyPath 二选一或都填
	KeyPath  string `json:"key_path"`
	Group    string `json:"group"`
}

// Normalize 去除首尾空白并补全默认端口
func (s *Server) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Host = strings.TrimSpace(s.Host)
	s.User = strings.TrimSpace(s.User)
	s.KeyPath = strings.TrimSpace(s.KeyPath)
	s.Group = strings.TrimSpace(s.Group)
	if s.Port <= 0 {
		s.Port = 22
	}
}

// Validate 名称、主机、用户必填，端口 1-65535
func (s Server) Validate() error {
	if s.Name == "" || s.Host == "" || s.User == "" {
		return fmt.Errorf("请填写名称、主机和用户名")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("端口 %d 超出范围 1-65535", s.Port)
	}
	return nil
}

// Label user@host:port
func (s Server) Label() string {
	port := s.Port
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", s.User, s.Host, port)
}

// Config servers.json 的内容
type Config struct {
	Servers []Server `json:"servers"`
}
