// Package main provides the CLI entry point for the task daemon.
package main

import (
	"os"

	"github.com/akfldk1028/taskdaemon/internal/cmd"
	"github.com/akfldk1028/taskdaemon/internal/consolelog"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		consolelog.Stderr.Error("%v", err)
		os.Exit(cmd.ExitCodeFor(err))
	}
}
