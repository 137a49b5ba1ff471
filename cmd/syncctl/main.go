// Command syncctl runs operator tasks against a rostersync deployment's
// database: one-off syncs, sync history, schedule re-arming and token minting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"rostersync.org/internal/app"
	"rostersync.org/internal/auth"
	"rostersync.org/internal/config"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/syncer"
)

const usage = `usage: syncctl [-config path] <command> [args]

commands:
  token -user <id> [-roles admin,operator] [-ttl 1h]   mint an operator bearer token
  sync <integration-id>                               run one sync in the foreground
  logs [-limit n] <integration-id>                    print recent sync logs
  rearm                                               arm schedules for enabled integrations
  task <name>                                         run a housekeeping task (prune-jobs, rearm-schedules)
`

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	obs.ConfigureLogger(os.Stderr, "console", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "token" {
		if err := runToken(cfg, args); err != nil {
			fail(err)
		}
		return
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		fail(err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	switch cmd {
	case "sync":
		err = runSync(ctx, a, args)
	case "logs":
		err = runLogs(ctx, a, args)
	case "rearm":
		var n int
		n, err = a.Scheduler.InitializeScheduledSyncs(ctx)
		fmt.Printf("armed %d integrations\n", n)
	case "task":
		if len(args) != 1 {
			err = fmt.Errorf("task: name is required")
			break
		}
		err = a.Scheduler.RunTaskNow(ctx, args[0])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "token subject")
	roles := fs.String("roles", "operator", "comma separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return fmt.Errorf("token: -user is required")
	}
	signer, err := auth.NewSigner(cfg.Security.JWTSecret)
	if err != nil {
		return err
	}
	tok, err := signer.GenerateToken(*user, strings.Split(*roles, ","), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runSync(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("sync: integration id is required")
	}
	res, err := a.Syncer.PerformSync(ctx, args[0], syncer.TriggerManual)
	if printErr := printJSON(res); printErr != nil {
		return printErr
	}
	return err
}

func runLogs(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("logs: integration id is required")
	}
	logs, err := a.Service.SyncLogs(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	return printJSON(logs)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
	os.Exit(1)
}
