package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/bastion/internal/app"
	"github.com/kiranshivaraju/bastion/internal/config"
	"github.com/spf13/cobra"
)

const closeTimeout = 10 * time.Second

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp wires the components for a one-shot command. Only warnings and
// errors are logged, to stderr.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.New(cmd.Context(), cfg, logger, app.WithMigrationsDir(o.migrationsDir))
}

// closeApp drains pending events and audit entries before exiting.
func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown incomplete", "error", err)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "-"
	}
	return strings.Join(scopes, ",")
}

// readPayload returns raw, or stdin when raw is "-".
func readPayload(cmd *cobra.Command, raw string) ([]byte, error) {
	if raw != "-" {
		return []byte(raw), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return b, nil
}
