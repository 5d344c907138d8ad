package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

//go:embed web
var webFS embed.FS

var (
	version   = "develop"
	gitCommit = "unknown"
)

// exitCodeError 命令以非零码退出；main 按该码退出且不再打印
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
