package credentials

import (
	"sort"
	"strings"
)

// Group 按服务分组的凭据
type Group struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// Entry 单个凭据；敏感值对外展示时会被隐藏
type Entry struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
	Set       bool   `json:"set"`
}

type rule struct {
	name    string
	markers []string
}

// 按顺序匹配，每个键只归入第一个命中的分组
var rules = []rule{
	{"Email", []string{"EMAIL", "GMAIL"}},
	{"Twilio & WhatsApp", []string{"TWILIO", "WHATSAPP"}},
	{"Social Media", []string{"INSTAGRAM", "LINKEDIN", "CONSUMER", "ACCESS_TOKEN", "FB_"}},
	{"API Keys", []string{"API", "KEY"}},
	{"SSH", []string{"SSH"}},
}

const otherGroup = "Other"

var sensitiveMarkers = []string{"password", "token", "secret", "key", "sid"}

// GroupOf 返回键所属的分组名
func GroupOf(key string) string {
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(key, m) {
				return r.name
			}
		}
	}
	return otherGroup
}

// IsSensitive 键名含 password/token/secret/key/sid 视为敏感
func IsSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Label SMTP_PASSWORD -> Smtp Password
func Label(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// Groups 分组输出，mask 为 true 时清空敏感值（仅保留是否已设置）。始终返回全部分组，顺序固定
func Groups(env map[string]string, mask bool) []Group {
	order := make([]string, 0, len(rules)+1)
	byName := make(map[string]*Group, len(rules)+1)
	for _, r := range rules {
		order = append(order, r.name)
	}
	order = append(order, otherGroup)
	for _, n := range order {
		byName[n] = &Group{Name: n, Entries: []Entry{}}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := env[k]
		e := Entry{Key: k, Label: Label(k), Value: v, Sensitive: IsSensitive(k), Set: v != ""}
		if mask && e.Sensitive {
			e.Value = ""
		}
		g := byName[GroupOf(k)]
		g.Entries = append(g.Entries, e)
	}

	out := make([]Group, 0, len(order))
	for _, n := range order {
		out = append(out, *byName[n])
	}
	return out
}
