// Package cli is the agtbroker operator command line. Every command talks
// to a running broker over its control API.
package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/agtbroker/internal/api"
	"github.com/g960059/agtbroker/internal/appclient"
	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/model"
)

// Version is stamped at build time.
var Version = "dev"

const addrEnv = config.BrokerEnvPrefix + "_ADDR"

const maxStdinBytes int64 = 1 << 20

type app struct {
	addr   string
	json   bool
	client func() *appclient.Client
}

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	a.client = func() *appclient.Client { return appclient.New(a.addr) }

	defaultAddr := os.Getenv(addrEnv)
	if defaultAddr == "" {
		defaultAddr = config.DefaultConfig().ListenAddr
	}

	rootCmd := &cobra.Command{
		Use:           "agtbroker",
		Short:         "Control a running agent session broker",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&a.addr, "addr", defaultAddr, "broker address (host:port or URL), env "+addrEnv)
	rootCmd.PersistentFlags().BoolVar(&a.json, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSpawnCmd(a),
		newStatusCmd(a),
		newKillCmd(a),
		newWriteCmd(a),
		newResizeCmd(a),
		newInputStateCmd(a),
		newWaitingCmd(a),
		newHealthCmd(a),
		newLaunchersCmd(a),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

func newSpawnCmd(a *app) *cobra.Command {
	var (
		req      api.SpawnRequest
		profile  string
		envPairs []string
	)
	cmd := &cobra.Command{
		Use:   "spawn <session-id> [-- args...]",
		Short: "Start a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SessionID = args[0]
			req.Args = args[1:]
			req.Profile = model.Profile(profile)
			if !req.Profile.Valid() {
				return fmt.Errorf("unknown profile %q", profile)
			}
			env, err := parseEnv(envPairs)
			if err != nil {
				return err
			}
			req.Env = env
			resp, err := a.client().Spawn(cmd.Context(), req)
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			where := resp.Placement
			if resp.LauncherID != "" {
				where += " (" + resp.LauncherID + ")"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "spawned %s: %s\n", resp.SessionID, where)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Command, "command", "", "command or prompt for the agent")
	f.StringVar(&profile, "profile", string(model.ProfileInteractive), "interactive|auto|yolo|plain")
	f.StringVar(&req.Cwd, "cwd", "", "working directory")
	f.Uint16Var(&req.Cols, "cols", 0, "terminal columns")
	f.Uint16Var(&req.Rows, "rows", 0, "terminal rows")
	f.StringArrayVar(&envPairs, "env", nil, "extra environment KEY=VALUE (repeatable)")
	f.StringVar(&req.ParentID, "parent", "", "parent session id")
	f.StringVar(&req.LauncherID, "launcher", "", "run on this launcher")
	f.StringVar(&req.AgentEndpoint, "endpoint", "", "agent endpoint used to pick a preferred launcher")
	f.StringSliceVar(&req.Requires, "require", nil, "capabilities the launcher must have")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "session\t%s\n", st.SessionID)
			_, _ = fmt.Fprintf(w, "status\t%s\n", st.Status)
			_, _ = fmt.Fprintf(w, "output_seq\t%d\n", st.OutputSeq)
			_, _ = fmt.Fprintf(w, "total_bytes\t%d\n", st.TotalBytes)
			if st.InputState != "" {
				_, _ = fmt.Fprintf(w, "input\t%s\n", st.InputState)
			}
			if st.ExitCode != nil {
				_, _ = fmt.Fprintf(w, "exit_code\t%d\n", *st.ExitCode)
			}
			if st.LauncherID != "" {
				_, _ = fmt.Fprintf(w, "launcher\t%s\n", st.LauncherID)
			}
			return w.Flush()
		},
	}
}

func newKillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.client().Kill(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			msg := "killed"
			if !ok {
				msg = "not running"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], msg)
			return err
		},
	}
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		fromStdin bool
		enter     bool
	)
	cmd := &cobra.Command{
		Use:   "write <session-id> [text]",
		Short: "Send input to a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data string
			switch {
			case fromStdin:
				raw, err := readStdin(cmd.InOrStdin(), maxStdinBytes)
				if err != nil {
					return err
				}
				data = raw
			case len(args) == 2:
				data = args[1]
			default:
				return fmt.Errorf("text or --stdin is required")
			}
			if enter {
				data += "\r"
			}
			return a.client().Write(cmd.Context(), args[0], data)
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read input from stdin")
	cmd.Flags().BoolVar(&enter, "enter", false, "append a carriage return")
	return cmd
}

func newResizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resize <session-id> <cols> <rows>",
		Short: "Resize a session's terminal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cols, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("cols: %w", err)
			}
			rows, err := strconv.ParseUint(args[2], 10, 16)
			if err != nil {
				return fmt.Errorf("rows: %w", err)
			}
			return a.client().Resize(cmd.Context(), args[0], uint16(cols), uint16(rows))
		},
	}
}

// newInputStateCmd is what agent hooks call to report prompt state.
func newInputStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "input-state <session-id> <active|waiting|idle>",
		Short: "Report a session's input state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := model.InputState(args[1])
			if !state.Valid() {
				return fmt.Errorf("unknown input state %q", args[1])
			}
			return a.client().SetInputState(cmd.Context(), args[0], state)
		},
	}
}

func newWaitingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "waiting",
		Short: "List sessions waiting for input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.client().Waiting(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			ids := make([]string, 0, len(resp.Sessions))
			for id := range resp.Sessions {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SESSION\tSTATE\tCOMMAND\tTITLE")
			for _, id := range ids {
				s := resp.Sessions[id]
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, s.InputState, dash(s.PaneCommand), dash(s.PaneTitle))
			}
			return w.Flush()
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), h)
			}
			mux := "unavailable"
			if h.MultiplexerAvailable {
				mux = "available"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %t\nmultiplexer: %s\nactive sessions: %d\n", h.OK, mux, len(h.ActiveSessionIDs))
			return err
		},
	}
}

func newLaunchersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "launchers",
		Short: "List connected launchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := a.client().Launchers(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(cmd.OutOrStdout(), env)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tNAME\tHOST\tSESSIONS\tELIGIBLE\tLAST HEARTBEAT")
			for _, l := range env.Launchers {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%s\t%t\t%s\n",
					l.ID, dash(l.Name), dash(l.Host), len(l.Sessions), capacity(l.Capacity), l.Eligible,
					l.LastHeartbeat.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func readStdin(r io.Reader, maxBytes int64) (string, error) {
	body, err := io.ReadAll(io.LimitReader(bufio.NewReader(r), maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return "", fmt.Errorf("--stdin payload exceeds %d bytes", maxBytes)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("--stdin requires non-empty payload")
	}
	return string(body), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func capacity(n int) string {
	if n <= 0 {
		return "inf"
	}
	return strconv.Itoa(n)
}
