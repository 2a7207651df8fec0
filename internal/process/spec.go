package process

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/loykin/mcpherd/internal/logger"
)

// Spec is the immutable description of one MCP server process. It is
// created at configuration time and shared read-only across every
// restart of the server it describes.
type Spec struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command []string          `json:"command" mapstructure:"command"` // executable + args
	Env     map[string]string `json:"env" mapstructure:"env"`
	WorkDir string            `json:"workdir" mapstructure:"workdir"`

	AutoRestart bool `json:"auto_restart" mapstructure:"auto_restart"`
	// MaxRestartAttempts bounds restarts of any kind. Zero means the
	// server may never be restarted, only started fresh.
	MaxRestartAttempts int           `json:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	RestartDelay       time.Duration `json:"restart_delay" mapstructure:"restart_delay"`

	Log logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks the fields the core depends on.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server spec requires a name")
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("server %s requires a command", s.Name)
	}
	if s.MaxRestartAttempts < 0 {
		return fmt.Errorf("server %s: max_restart_attempts must be >= 0", s.Name)
	}
	return nil
}

// BuildCommand constructs the exec.Cmd for this spec. The environment is
// the parent's plus the spec's entries, spec entries winning. No shell
// is involved; Command[0] is the executable.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- command comes from operator-owned configuration
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.envSlice()...)
	}
	return cmd
}

func (s *Spec) envSlice() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}
