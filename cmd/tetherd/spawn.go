package main

import (
	"context"

	"github.com/tetherline/tether/pkg/config"
	"github.com/tetherline/tether/pkg/session"
)

// newSpawnFunc builds the SpawnFunc the multiplexer calls to launch the
// assistant subprocess backing a new session. workingDirectory and model
// come from the Converse request that started the session; dir falls back
// to the daemon's own working directory when the request didn't set one.
func newSpawnFunc(cfg *config.Daemon) session.SpawnFunc {
	return func(ctx context.Context, sessionID, workingDirectory, model string) (session.Subprocess, error) {
		dir := workingDirectory
		if dir == "" {
			dir = "."
		}
		args := []string{"--session-id", sessionID, "--output-format", "stream-json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		return session.NewExecSubprocess(dir, cfg.AgentBinary, args...), nil
	}
}
