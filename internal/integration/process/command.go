package process

import "os/exec"

// newCommand builds the worker command from config.
func newCommand(cfg Config) *exec.Cmd {
	cmd := exec.Command(cfg.Executable, cfg.argv()...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.environ()
	return cmd
}
