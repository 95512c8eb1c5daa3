package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Imhermes1/familyhub/internal/config"
	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/Imhermes1/familyhub/internal/remote"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags and config are read.
type app struct {
	configPath string
	jsonOut    bool
	cfg        config.Config
	logger     *log.Logger
	out        io.Writer
	errOut     io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "pulse",
		Short:         "Local-first family activity feed",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (defaults to PULSE_CONFIG)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newServeCmd(a),
		newBackendCmd(a),
		newSyncCmd(a),
		newFeedCmd(a),
		newStatsCmd(a),
		newCheckInCmd(a),
		newTaskCmd(a),
		newNoteCmd(a),
		newVoiceCmd(a),
		newInviteCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) load() error {
	bootstrap := log.NewWithOptions(a.errOut, log.Options{Prefix: "pulse"})
	cfg, err := config.Load(a.configPath, bootstrap)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = log.NewWithOptions(a.errOut, log.Options{
		Prefix:          "pulse",
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           cfg.Level(),
	})
	return nil
}

// openClient builds the client for the configured user and group and
// hydrates it from the state backend. Callers close it.
func (a *app) openClient() (*pulse.Client, error) {
	if strings.TrimSpace(a.cfg.User.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required (user.id or PULSE_USER_ID)", pulse.ErrNotAuthenticated)
	}
	if strings.TrimSpace(a.cfg.Group.ID) == "" {
		return nil, fmt.Errorf("%w: group id is required (group.id or PULSE_GROUP_ID)", pulse.ErrInvalidInput)
	}
	backend, err := a.cfg.BuildStateBackend()
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	rs, err := buildRemote(a.cfg.Remote, a.logger)
	if err != nil {
		return nil, err
	}
	client := pulse.NewClient(pulse.ClientOptions{
		Backend:     backend,
		Remote:      rs,
		SnapshotDir: a.cfg.Widget.SnapshotDir,
		Logger:      a.logger,
	})
	if err := client.Open(a.cfg.User, a.cfg.Group, a.cfg.Members...); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// buildRemote returns an HTTP client for http(s) URLs. An empty URL or
// memory:// keeps records in process, which is only useful for trying the
// CLI out on one device.
func buildRemote(cfg config.RemoteConfig, logger *log.Logger) (pulse.RemoteSync, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" || strings.HasPrefix(raw, "memory://") {
		logger.Debug("using in-process remote; records will not leave this process")
		return remote.NewMemory(), nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: remote url: %v", pulse.ErrInvalidInput, err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return remote.NewHTTPClient(raw, cfg.Token, &http.Client{Timeout: 15 * time.Second}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported remote scheme %q", pulse.ErrInvalidInput, parsed.Scheme)
	}
}

// realtimeURL derives the websocket endpoint from the remote URL unless one
// is configured. It returns "" when there is no backend to subscribe to.
func realtimeURL(cfg config.RemoteConfig) string {
	if explicit := strings.TrimSpace(cfg.RealtimeURL); explicit != "" {
		return explicit
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return ""
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/realtime"
	return parsed.String()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func isShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
