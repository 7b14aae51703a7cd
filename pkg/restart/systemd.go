package restart

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// Restarter restarts one named service
type Restarter interface {
	Restart(ctx context.Context, service string) error
}

// RestarterFunc adapts a function to Restarter
type RestarterFunc func(ctx context.Context, service string) error

func (f RestarterFunc) Restart(ctx context.Context, service string) error {
	return f(ctx, service)
}

// Systemd restarts units through systemctl
type Systemd struct {
	// Command defaults to systemctl
	Command string
	Logger  zerolog.Logger
}

func (s Systemd) Restart(ctx context.Context, service string) error {
	command := s.Command
	if command == "" {
		command = "systemctl"
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "restart", service)
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.Logger.Debug().Str("service", service).Msg("restarting service")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s restart %s: %w: %s", command, service, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}
