// Command rbacauth-cachectl operates on the permission cache and the
// refresh ledger out of band.
//
//	rbacauth-cachectl [-config file.yaml] clear
//	rbacauth-cachectl warm [role-id...]
//	rbacauth-cachectl inspect role-id...
//	rbacauth-cachectl prune
//
// Settings come from defaults, then the YAML file, then RBACAUTH_*
// environment variables (RBACAUTH_REDIS_ADDR, RBACAUTH_POSTGRES_DSN,
// RBACAUTH_CACHE_BACKEND, RBACAUTH_LOG_LEVEL, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/braybrandon/rbacauth/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rbacauth-cachectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(envPrefix+"CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: rbacauth-cachectl [-config file] clear|warm|inspect|prune [role-id...]")
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr}, "cachectl")

	roleIDs, err := parseRoleIDs(rest)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("backend unavailable")
		return 1
	}
	defer b.close()

	switch cmd {
	case "clear":
		err = runClear(ctx, b, stdout, log)
	case "warm":
		err = runWarm(ctx, b, roleIDs, stdout, log)
	case "inspect":
		err = runInspect(ctx, b, roleIDs, stdout)
	case "prune":
		err = runPrune(ctx, b, time.Now(), stdout, log)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		return 1
	}
	return 0
}
