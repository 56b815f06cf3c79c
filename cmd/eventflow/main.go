// Command eventflow inspects eventflow configuration and runs a standalone
// worker for the async task queues.
//
// Usage:
//
//	eventflow <command> [-config file.yaml] [-env .env]
//
// Commands:
//
//	validate       load and validate the configuration
//	queues         list task queues and broker limitations
//	subscriptions  show the handlers the configured subscriptions produce
//	worker         consume the task queues with the built-in handlers
//	check-db       open the transaction database and run a transaction
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/joho/godotenv"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
)

const defaultEnvFile = ".env"

type command struct {
	summary string
	run     func(ctx context.Context, cfg *configpkg.Config, stdout io.Writer) error
}

var commands = map[string]command{
	"validate":      {"load and validate the configuration", runValidate},
	"queues":        {"list task queues and broker limitations", runQueues},
	"subscriptions": {"show the handlers the configured subscriptions produce", runSubscriptions},
	"worker":        {"consume the task queues with the built-in handlers", runWorker},
	"check-db":      {"open the transaction database and run a transaction", runCheckDB},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr)
		return 2
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env", defaultEnvFile, "dotenv file loaded before reading EVENTFLOW_* variables")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cmd.run(ctx, cfg, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads envFile into the process environment, then the YAML file
// and the EVENTFLOW_* overrides. A missing default .env is not an error.
func loadConfig(path, envFile string) (*configpkg.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) || envFile != defaultEnvFile {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	return configpkg.Load(path)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: eventflow <command> [-config file.yaml] [-env .env]")
	fmt.Fprintln(w, "\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].summary)
	}
}
