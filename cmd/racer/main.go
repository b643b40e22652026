package main

import (
	"os"

	"github.com/okian/racetrack/internal/cli"
	"github.com/okian/racetrack/pkg/logger"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString("racer: " + err.Error() + "\n")
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}
