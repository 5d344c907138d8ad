package tools

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidParam = errors.New("invalid parameter")
)

// Param 工具参数
type Param struct {
	Name     string   `yaml:"name" json:"name"`
	Label    string   `yaml:"label" json:"label"`
	Required bool     `yaml:"required" json:"required"`
	Default  string   `yaml:"default" json:"default,omitempty"`
	Pattern  string   `yaml:"pattern" json:"pattern,omitempty"`
	Choices  []string `yaml:"choices" json:"choices,omitempty"`
}

// Tool 一个可执行的命令模板；本地与远程使用同一条命令
type Tool struct {
	ID       string        `yaml:"id" json:"id"`
	Category string        `yaml:"category" json:"category"`
	Group    string        `yaml:"group" json:"group"`
	Title    string        `yaml:"title" json:"title"`
	Command  string        `yaml:"command" json:"command"`
	Args     []string      `yaml:"args" json:"args,omitempty"`
	Params   []Param       `yaml:"params" json:"params,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

func (t Tool) param(name string) (Param, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Build 生成命令行：参数值校验后按 POSIX 规则加引号
func (t Tool) Build(values map[string]string) (string, error) {
	for name := range values {
		if _, ok := t.param(name); !ok {
			return "", fmt.Errorf("%w: %s 不接受参数 %q", ErrInvalidParam, t.ID, name)
		}
	}
	resolved := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		v := strings.TrimSpace(values[p.Name])
		if v == "" {
			v = p.Default
		}
		if err := p.check(v); err != nil {
			return "", err
		}
		resolved[p.Name] = v
	}

	parts := []string{t.Command}
	for _, a := range t.Args {
		if name, ok := placeholder(a); ok {
			v, known := resolved[name]
			if !known {
				return "", fmt.Errorf("%w: %s 引用了未声明的参数 %q", ErrInvalidParam, t.ID, name)
			}
			if v == "" {
				continue
			}
			parts = append(parts, ShellQuote(v))
			continue
		}
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " "), nil
}

func (p Param) check(v string) error {
	if v == "" {
		if p.Required {
			return fmt.Errorf("%w: 缺少必填参数 %s", ErrInvalidParam, p.Name)
		}
		return nil
	}
	if len(p.Choices) > 0 {
		for _, c := range p.Choices {
			if c == v {
				return nil
			}
		}
		return fmt.Errorf("%w: %s 只能取 %s 之一", ErrInvalidParam, p.Name, strings.Join(p.Choices, ", "))
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %s has bad pattern: %v", ErrInvalidParam, p.Name, err)
		}
		if !re.MatchString(v) {
			return fmt.Errorf("%w: %s=%q 不匹配 %s", ErrInvalidParam, p.Name, v, p.Pattern)
		}
	}
	return nil
}

func placeholder(arg string) (string, bool) {
	if len(arg) > 2 && strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}") {
		return arg[1 : len(arg)-1], true
	}
	return "", false
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_./:=+@%,-]+$`)

// ShellQuote 对含特殊字符的参数加单引号，' -> '\''
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type file struct {
	Tools []Tool `yaml:"tools"`
}

// Catalog 工具目录，保持定义顺序
type Catalog struct {
	tools []Tool
	index map[string]int
}

// Load 加载内置目录；extraPath 非空时合并该 YAML 文件（同 ID 覆盖）
func Load(extraPath string) (*Catalog, error) {
	c := &Catalog{index: map[string]int{}}
	if err := c.merge(builtin); err != nil {
		return nil, fmt.Errorf("解析内置工具目录失败: %w", err)
	}
	if extraPath == "" {
		return c, nil
	}
	data, err := os.ReadFile(extraPath)
	if err != nil {
		return nil, err
	}
	if err := c.merge(data); err != nil {
		return nil, fmt.Errorf("%s: %w", extraPath, err)
	}
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for _, t := range f.Tools {
		if t.ID == "" || t.Command == "" {
			return fmt.Errorf("工具 %q 缺少 id 或 command", t.ID)
		}
		if i, ok := c.index[t.ID]; ok {
			c.tools[i] = t
			continue
		}
		c.index[t.ID] = len(c.tools)
		c.tools = append(c.tools, t)
	}
	return nil
}

// Lookup 按 ID 查找；找不到时在错误中给出相近的 ID
func (c *Catalog) Lookup(id string) (Tool, error) {
	if i, ok := c.index[id]; ok {
		return c.tools[i], nil
	}
	if s := c.Suggest(id, 3); len(s) > 0 {
		return Tool{}, fmt.Errorf("%w %q，是否要找: %s", ErrUnknownTool, id, strings.Join(s, ", "))
	}
	return Tool{}, fmt.Errorf("%w %q", ErrUnknownTool, id)
}

// Suggest 返回编辑距离最近的至多 n 个 ID（距离不超过 ID 长度的一半）
func (c *Catalog) Suggest(id string, n int) []string {
	type cand struct {
		id   string
		dist int
	}
	var cands []cand
	for _, t := range c.tools {
		d := levenshtein.ComputeDistance(id, t.ID)
		if d <= len(t.ID)/2 {
			cands = append(cands, cand{t.ID, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	out := make([]string, 0, n)
	for i := 0; i < len(cands) && i < n; i++ {
		out = append(out, cands[i].id)
	}
	return out
}

// All 按定义顺序返回全部工具
func (c *Catalog) All() []Tool {
	return append([]Tool(nil), c.tools...)
}

// Category 分类及其下按组排列的工具
type Category struct {
	Name   string      `json:"name"`
	Groups []ToolGroup `json:"groups"`
}

type ToolGroup struct {
	Name  string `json:"name"`
	Tools []Tool `json:"tools"`
}

// Categories 按首次出现顺序分类、分组
func (c *Catalog) Categories() []Category {
	var out []Category
	catIdx := map[string]int{}
	grpIdx := map[string]int{}
	for _, t := range c.tools {
		ci, ok := catIdx[t.Category]
		if !ok {
			ci = len(out)
			catIdx[t.Category] = ci
			out = append(out, Category{Name: t.Category})
		}
		key := t.Category + "\x00" + t.Group
		gi, ok := grpIdx[key]
		if !ok {
			gi = len(out[ci].Groups)
			grpIdx[key] = gi
			out[ci].Groups = append(out[ci].Groups, ToolGroup{Name: t.Group})
		}
		out[ci].Groups[gi].Tools = append(out[ci].Groups[gi].Tools, t)
	}
	return out
}
