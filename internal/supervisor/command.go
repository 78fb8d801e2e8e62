package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/model"
	"github.com/g960059/agtbroker/internal/mux"
)

// SessionEnvVar is exported into every spawned process.
const SessionEnvVar = "AGTBROKER_SESSION_ID"

// profileFlags are appended after the agent binary for each profile.
var profileFlags = map[string]map[model.Profile][]string{
	"claude": {
		model.ProfileAuto: {"--permission-mode", "acceptEdits"},
		model.ProfileYolo: {"--dangerously-skip-permissions"},
	},
	"codex": {
		model.ProfileAuto: {"--full-auto"},
		model.ProfileYolo: {"--dangerously-bypass-approvals-and-sandbox"},
	},
}

// BuildCommand resolves a spawn request into the argv the process runs
// with. Plain sessions get the configured shell; every other profile runs
// the agent binary with its profile flags and the request command as the
// prompt.
func BuildCommand(cfg config.Config, req SpawnRequest) (mux.Command, error) {
	profile := req.Profile
	if profile == "" {
		profile = model.ProfileInteractive
	}
	if !profile.Valid() {
		return mux.Command{}, fmt.Errorf("%w: unknown profile %q", model.ErrInvalidRequest, profile)
	}

	cmd := mux.Command{
		Dir:  req.Cwd,
		Env:  buildEnv(req),
		Cols: req.Cols,
		Rows: req.Rows,
	}
	if cmd.Cols == 0 {
		cmd.Cols = cfg.DefaultCols
	}
	if cmd.Rows == 0 {
		cmd.Rows = cfg.DefaultRows
	}

	if profile == model.ProfilePlain {
		cmd.Path = cfg.Shell
		if strings.TrimSpace(req.Command) != "" {
			cmd.Args = []string{"-c", req.Command}
		}
		return cmd, nil
	}

	if cfg.AgentBinary == "" {
		return mux.Command{}, fmt.Errorf("%w: agent binary not configured", model.ErrInvalidRequest)
	}
	cmd.Path = cfg.AgentBinary
	flags := profileFlags[agentKind(cfg.AgentBinary)]
	cmd.Args = append(cmd.Args, flags[profile]...)
	cmd.Args = append(cmd.Args, req.Args...)
	if strings.TrimSpace(req.Command) != "" {
		cmd.Args = append(cmd.Args, req.Command)
	}
	return cmd, nil
}

func agentKind(binary string) string {
	base := strings.ToLower(filepath.Base(binary))
	for kind := range profileFlags {
		if strings.HasPrefix(base, kind) {
			return kind
		}
	}
	return base
}

func buildEnv(req SpawnRequest) []string {
	env := os.Environ()
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	return append(env, SessionEnvVar+"="+req.SessionID)
}

// argv flattens a resolved command for the session record.
func argv(cmd mux.Command) []string {
	return append([]string{cmd.Path}, cmd.Args...)
}
