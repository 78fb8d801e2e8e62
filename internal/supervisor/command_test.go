package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/model"
)

func TestBuildCommandProfiles(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Shell = "/bin/zsh"
	cfg.DefaultCols, cfg.DefaultRows = 100, 30

	cases := []struct {
		name  string
		agent string
		req   SpawnRequest
		path  string
		args  []string
	}{
		{"plain bare shell", "claude", SpawnRequest{Profile: model.ProfilePlain}, "/bin/zsh", nil},
		{"plain with command", "claude", SpawnRequest{Profile: model.ProfilePlain, Command: "make test"}, "/bin/zsh", []string{"-c", "make test"}},
		{"default is interactive", "claude", SpawnRequest{Command: "hello"}, "claude", []string{"hello"}},
		{"claude auto", "claude", SpawnRequest{Profile: model.ProfileAuto, Command: "go"}, "claude", []string{"--permission-mode", "acceptEdits", "go"}},
		{"claude yolo", "/usr/local/bin/claude", SpawnRequest{Profile: model.ProfileYolo}, "/usr/local/bin/claude", []string{"--dangerously-skip-permissions"}},
		{"codex auto", "codex", SpawnRequest{Profile: model.ProfileAuto, Args: []string{"--model", "o3"}}, "codex", []string{"--full-auto", "--model", "o3"}},
		{"codex yolo", "codex", SpawnRequest{Profile: model.ProfileYolo, Command: "p"}, "codex", []string{"--dangerously-bypass-approvals-and-sandbox", "p"}},
		{"unknown agent gets no flags", "aider", SpawnRequest{Profile: model.ProfileYolo}, "aider", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := cfg
			c.AgentBinary = tc.agent
			tc.req.SessionID = "s1"
			cmd, err := BuildCommand(c, tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.path, cmd.Path)
			assert.Equal(t, tc.args, cmd.Args)
			assert.Equal(t, uint16(100), cmd.Cols)
			assert.Equal(t, uint16(30), cmd.Rows)
		})
	}
}

func TestBuildCommandEnv(t *testing.T) {
	cmd, err := BuildCommand(config.DefaultConfig(), SpawnRequest{
		SessionID: "s9",
		Profile:   model.ProfilePlain,
		Env:       map[string]string{"B": "2", "A": "1"},
		Cols:      200,
	})
	require.NoError(t, err)
	n := len(cmd.Env)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, []string{"A=1", "B=2", SessionEnvVar + "=s9"}, cmd.Env[n-3:])
	assert.Equal(t, uint16(200), cmd.Cols)
}

func TestBuildCommandRejectsUnknownProfile(t *testing.T) {
	_, err := BuildCommand(config.DefaultConfig(), SpawnRequest{SessionID: "s", Profile: "root"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(4, []byte("ab"))
	tb.Write([]byte("cd"))
	assert.Equal(t, "abcd", string(tb.Bytes()))
	tb.Write([]byte("e"))
	assert.Equal(t, "bcde", string(tb.Bytes()))
	tb.Write([]byte("0123456"))
	assert.Equal(t, "3456", string(tb.Bytes()))
	assert.Equal(t, 4, tb.Len())
}

func TestPromptProbe(t *testing.T) {
	p := PromptProbe{MinBytes: 10, Markers: []string{"❯"}}
	assert.False(t, p.Ready(0, nil))
	assert.False(t, p.Ready(10, []byte("loading...")))
	assert.True(t, p.Ready(11, nil))
	assert.True(t, p.Ready(3, []byte("❯ ")))
}
