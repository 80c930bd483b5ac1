package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/securevault/securevault/pkg/backup"
	"github.com/securevault/securevault/pkg/config"
	"github.com/securevault/securevault/pkg/filebackup"
	"github.com/securevault/securevault/pkg/plog"
)

// appName is the canonical name of the application used for logging.
const appName = "SecureVault"

// version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X main.version=1.0.0"
var version = "dev"

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", appName, version)
		fmt.Fprintf(flag.CommandLine.Output(), "  securevault [flags] {daily|monthly|yearly}\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Backs up the configured directories and databases, verifies the\n")
		fmt.Fprintf(flag.CommandLine.Output(), "archives and optionally ships them to a remote host.\n\n")
		flag.PrintDefaults()
	}
}

func run(ctx context.Context) error {
	daemonMode := flag.Bool("daemon", false, "Run as a daemon, executing backups on the configured schedule.")
	fullBackup := flag.Bool("full", false, "Ignore the last-backup timestamp and archive every file.")
	configFile := flag.String("config", config.DefaultConfigFileName, "Path to the JSON configuration file.")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))

	runType := flag.Arg(0)
	if runType == "" {
		if !*daemonMode {
			flag.Usage()
			return errors.New("missing backup type: use daily, monthly, or yearly")
		}
		runType = backup.RunTypeFromSchedule(cfg.Schedule.Type)
	}

	b, err := backup.New(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if *daemonMode {
		return b.RunDaemon(ctx, runType, *fullBackup)
	}

	b.SetProgress(filebackup.ConsoleProgress)
	if err := b.Execute(ctx, runType, *fullBackup); err != nil {
		if errors.Is(err, filebackup.ErrInterrupted) {
			fmt.Println()
		}
		return err
	}
	return nil
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(appName+" exited with error", "error", err)
		os.Exit(1)
	}
}
