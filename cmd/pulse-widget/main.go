package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Imhermes1/familyhub/internal/config"
	"github.com/Imhermes1/familyhub/internal/httpapi"
	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/Imhermes1/familyhub/internal/widget"
	"github.com/charmbracelet/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "pulse-widget:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	dir        string
	refresh    time.Duration
	staleAfter time.Duration
	plain      bool
	once       bool
	action     string
	taskID     string
	apiURL     string
	token      string
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pulse-widget", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&opts.configPath, "config", "", "config file (defaults to PULSE_CONFIG)")
	fs.StringVar(&opts.dir, "dir", "", "snapshot directory (overrides widget.snapshot_dir)")
	fs.DurationVar(&opts.refresh, "refresh", 0, "redraw interval (overrides widget.refresh_interval)")
	fs.DurationVar(&opts.staleAfter, "stale-after", widget.DefaultStaleAfter, "age after which the snapshot is shown as out of date")
	fs.BoolVar(&opts.plain, "plain", false, "render without borders or colour")
	fs.BoolVar(&opts.once, "once", false, "render the current snapshot and exit")
	fs.StringVar(&opts.action, "action", "", "mark-safe, leaving, on-the-way or toggle-task")
	fs.StringVar(&opts.taskID, "task", "", "task local id for --action toggle-task")
	fs.StringVar(&opts.apiURL, "api-url", "", "local API base URL (defaults to http://<http.addr>)")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("PULSE_WIDGET_TOKEN")), "bearer token for --action")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	opts, err := parseFlags(args, errOut)
	if err != nil {
		return err
	}
	logger := log.NewWithOptions(errOut, log.Options{Prefix: "pulse-widget"})
	cfg, err := config.Load(opts.configPath, logger)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Level())

	if opts.action != "" {
		return runAction(ctx, cfg, opts)
	}

	dir := opts.dir
	if dir == "" {
		dir = cfg.Widget.SnapshotDir
	}
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: snapshot dir is required (--dir or PULSE_WIDGET_DIR)", pulse.ErrInvalidInput)
	}

	if opts.once {
		entry, err := widget.Load(dir, time.Now(), opts.staleAfter)
		if err != nil {
			return err
		}
		return widget.Render(out, entry, opts.plain)
	}

	refresh := opts.refresh
	if refresh == 0 {
		refresh = cfg.Widget.RefreshInterval
	}
	watcher := widget.NewWatcher(widget.WatcherOptions{
		Dir:        dir,
		Refresh:    refresh,
		StaleAfter: opts.staleAfter,
		Logger:     logger,
		OnEntry: func(entry widget.Entry) {
			if !opts.plain {
				fmt.Fprint(out, "\x1b[H\x1b[2J")
			}
			if err := widget.Render(out, entry, opts.plain); err != nil {
				logger.Warn("render widget", "err", err)
			}
		},
	})
	return watcher.Run(ctx)
}

func runAction(ctx context.Context, cfg config.Config, opts options) error {
	apiURL := opts.apiURL
	if apiURL == "" {
		apiURL = "http://" + cfg.HTTP.Addr
	}
	token := opts.token
	if token == "" && cfg.HTTP.JWTSecret != "" {
		minted, err := httpapi.SignToken(cfg.HTTP.JWTSecret, cfg.Group.ID, cfg.User.UserID, []string{httpapi.ScopeFeedWrite}, time.Now().Add(time.Minute))
		if err != nil {
			return err
		}
		token = minted
	}
	if token == "" {
		return fmt.Errorf("%w: token is required (--token, PULSE_WIDGET_TOKEN or http.jwt_secret)", pulse.ErrNotAuthenticated)
	}

	actions := widget.NewActions(apiURL, token, &http.Client{Timeout: 10 * time.Second})
	switch opts.action {
	case "mark-safe":
		return actions.MarkSafe(ctx)
	case "leaving":
		return actions.MarkLeaving(ctx)
	case "on-the-way":
		return actions.MarkOnTheWay(ctx)
	case "toggle-task":
		return actions.ToggleTask(ctx, opts.taskID)
	default:
		return fmt.Errorf("%w: unknown action %q", pulse.ErrInvalidInput, opts.action)
	}
}
