package media

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/openrover/groundstation/config"
	"github.com/openrover/groundstation/internal/util"
)

// spawnStreamer launches this binary again with the streamer subcommand.
// Each child gets its own log file; stdout and stderr go there so a
// crashing pipeline leaves a trace even if the RPC link never came up.
func (s *Supervisor) spawnStreamer(handleID string, role Role, rpcURL, token string) (*exec.Cmd, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve executable path")
	}

	logDir := filepath.Join(config.GetStationHome(), "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create streamer log dir")
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("streamer-%s-%s.log", role, handleID[:8]))
	logFd, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open streamer log file")
	}
	defer logFd.Close()

	cmd := exec.Command(execPath, "streamer",
		"--handle", handleID,
		"--rpc-url", rpcURL,
		"--token", token,
	)
	cmd.Stdout = logFd
	cmd.Stderr = logFd
	// Own process group so a station-level signal does not tear down
	// children before their pipelines are freed.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start streamer process")
	}
	util.GetLogger().Debug("streamer process started", "pid", cmd.Process.Pid, "log", logPath)
	return cmd, nil
}
