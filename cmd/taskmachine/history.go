package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看最近操作记录（按时间正序）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := a.history()
			if clearAll {
				if err := log.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "历史记录已清空")
				return nil
			}
			entries, err := log.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "暂无历史记录")
				return nil
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "清空全部历史记录")
	return cmd
}
