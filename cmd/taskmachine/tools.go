package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"taskmachine/internal/history"
	"taskmachine/internal/tools"
)

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "列出工具目录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			printTools(cmd.OutOrStdout(), catalog.All())
			return nil
		},
	}
}

func toolParams(t tools.Tool) string {
	names := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		n := p.Name
		if p.Required {
			n += "*"
		}
		names = append(names, n)
	}
	return strings.Join(names, " ")
}

// printTools 按显示宽度对齐输出
func printTools(w io.Writer, all []tools.Tool) {
	rows := [][]string{{"ID", "CATEGORY", "GROUP", "TITLE", "PARAMS"}}
	for _, t := range all {
		rows = append(rows, []string{t.ID, t.Category, t.Group, t.Title, toolParams(t)})
	}
	printTable(w, rows)
}

func printHistory(w io.Writer, entries []history.Entry) {
	rows := [][]string{{"TIME", "CATEGORY", "ACTION"}}
	for _, e := range entries {
		rows = append(rows, []string{e.Timestamp, e.Category, e.Action})
	}
	printTable(w, rows)
}

func printTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if n := runewidth.StringWidth(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
