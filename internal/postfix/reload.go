package postfix

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Runner executes an external command given as an argument vector and returns
// its combined output. Commands are never passed through a shell; every
// user-influenced value travels as a discrete argument.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// ReloadResult reports a best-effort reload. Reloaded=false never means the
// preceding file mutation was lost: the caller's write is durable and
// ManualCommand tells the operator how to finish the job by hand.
type ReloadResult struct {
	Reloaded      bool   `json:"postfixReloaded"`
	Error         string `json:"postfixError,omitempty"`
	ManualCommand string `json:"manualCommand,omitempty"`
}

// Reloader wraps the external commands that make configuration changes
// effective. Every method resolves; failures are reported in the result, not
// returned, because callers treat reloads as best-effort.
type Reloader struct {
	run Runner
}

// NewReloader builds a reloader that executes real commands.
func NewReloader() *Reloader {
	return &Reloader{run: execRunner}
}

// NewReloaderWithRunner builds a reloader over a custom runner. Used by tests
// to observe invocations without spawning processes.
func NewReloaderWithRunner(run Runner) *Reloader {
	return &Reloader{run: run}
}

// manualCommand is the remediation line shown to the operator when a map
// reload fails. It is display text only, never executed.
func manualCommand(mapPath string) string {
	return fmt.Sprintf("cd %s && postmap %s && postfix reload",
		filepath.Dir(mapPath), filepath.Base(mapPath))
}

// ReloadMap recompiles a hash map file and reloads Postfix.
func (r *Reloader) ReloadMap(mapPath string) ReloadResult {
	if out, err := r.run("postmap", mapPath); err != nil {
		return r.failed(mapPath, "postmap", out, err)
	}
	if out, err := r.run("postfix", "reload"); err != nil {
		return r.failed(mapPath, "postfix reload", out, err)
	}
	log.Info().Str("map", mapPath).Msg("Postfix map recompiled and reloaded")
	return ReloadResult{Reloaded: true}
}

// ReloadPostfix reloads Postfix without recompiling any map. Used after
// main.cf edits.
func (r *Reloader) ReloadPostfix() ReloadResult {
	if out, err := r.run("postfix", "reload"); err != nil {
		msg := commandError("postfix reload", out, err)
		log.Warn().Str("error", msg).Msg("Postfix reload failed, configuration saved")
		return ReloadResult{Error: msg, ManualCommand: "postfix reload"}
	}
	log.Info().Msg("Postfix reloaded")
	return ReloadResult{Reloaded: true}
}

// RestartService restarts a systemd unit.
func (r *Reloader) RestartService(unit string) ReloadResult {
	if out, err := r.run("systemctl", "restart", unit); err != nil {
		msg := commandError("systemctl restart "+unit, out, err)
		log.Warn().Str("unit", unit).Str("error", msg).Msg("Service restart failed")
		return ReloadResult{Error: msg, ManualCommand: "systemctl restart " + unit}
	}
	log.Info().Str("unit", unit).Msg("Service restarted")
	return ReloadResult{Reloaded: true}
}

func (r *Reloader) failed(mapPath, stage string, out []byte, err error) ReloadResult {
	msg := commandError(stage, out, err)
	log.Warn().Str("map", mapPath).Str("error", msg).
		Msg("Change saved but Postfix could not reload, run the manual command")
	return ReloadResult{Error: msg, ManualCommand: manualCommand(mapPath)}
}

func commandError(stage string, out []byte, err error) string {
	if s := strings.TrimSpace(string(out)); s != "" {
		return fmt.Sprintf("%s: %s", stage, s)
	}
	return fmt.Sprintf("%s: %v", stage, err)
}
