package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chzyer/readline"
)

func main() {
	opts, dbPath := parseFlags()

	sh := newShell(opts, os.Stdout, os.Stderr)
	if dbPath != "" {
		fmt.Printf("Opening database at %s\n", dbPath)
		if err := sh.open(dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
	}
	defer sh.shutdown()

	setupGracefulShutdown(sh)
	runInteractive(sh)
}

// parseFlags parses command line flags and returns the shell options and database path
func parseFlags() (Options, string) {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "diskmap - A disk-backed hash map\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: diskmap [options] [database_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nSettings are read from defaults, then -config, then DISKMAP_* variables, then flags.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "For commands, start diskmap and type .help\n")
	}

	configFile := flag.String("config", "", "YAML configuration file")
	shards := flag.Int("shards", 0, "Number of shards (default from configuration)")
	ioMode := flag.String("io-mode", "", "Disk I/O mode: sync or async")
	compression := flag.String("compression", "", "Value compression: none, zstd, snappy or lz4")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	vacuumInterval := flag.Int64("vacuum-interval", 0, "Seconds between background vacuums, 0 to disable")
	enableTelemetry := flag.Bool("telemetry", false, "Export metrics and vacuum traces to stderr")

	flag.Parse()

	var dbPath string
	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}

	return Options{
		ConfigFile:     *configFile,
		ShardCount:     *shards,
		IOMode:         *ioMode,
		Compression:    *compression,
		LogLevel:       *logLevel,
		VacuumInterval: *vacuumInterval,
		Telemetry:      *enableTelemetry,
	}, dbPath
}

// setupGracefulShutdown closes the open map on SIGTERM so buffered writes reach disk
func setupGracefulShutdown(sh *shell) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		if err := sh.shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing database: %s\n", err)
		}
		fmt.Println("Shutdown complete")
		os.Exit(0)
	}()
}

// runInteractive starts the interactive CLI mode
func runInteractive(sh *shell) {
	fmt.Println("diskmap version 1.0.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".diskmap_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if !sh.execute(line) {
			return
		}
	}
}
