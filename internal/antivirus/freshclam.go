// Package antivirus manages the ClamAV freshclam configuration: mirror and
// proxy directives in freshclam.conf, gated on the antivirus being enabled in
// the site configuration.
package antivirus

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Runner executes an external command given as an argument vector.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DisabledError reports that the antivirus is not enabled in the site
// configuration, so freshclam settings cannot be edited.
type DisabledError struct{}

func (e *DisabledError) Error() string {
	return "antivirus is not enabled, set ENABLE_AV=yes in mailad.conf"
}

// ValidationError reports malformed input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Config is the editable freshclam view.
type Config struct {
	Enabled            bool   `json:"enabled"`
	UseAlternateMirror bool   `json:"useAlternateMirror"`
	AlternateMirrors   string `json:"alternateMirrors"`
	UseProxy           bool   `json:"useProxy"`
	ProxyServer        string `json:"proxyServer"`
	ProxyPort          string `json:"proxyPort"`
	ProxyUsername      string `json:"proxyUsername"`
	ProxyPassword      string `json:"proxyPassword"`
	MaxAttempts        string `json:"maxAttempts"`
	Checks             string `json:"checks"`
}

// Status reports the ClamAV service units and scanner version.
type Status struct {
	Clamd     string `json:"clamd"`
	Freshclam string `json:"freshclam"`
	Version   string `json:"version"`
}

// UpdateResult reports a freshclam configuration update including the
// best-effort service reload.
type UpdateResult struct {
	Reloaded      bool   `json:"reloaded"`
	ReloadError   string `json:"reloadError,omitempty"`
	ManualCommand string `json:"manualCommand,omitempty"`
}

// Manager edits freshclam.conf and queries the ClamAV services.
type Manager struct {
	freshclamPath string
	siteConfPath  string
	run           Runner
	mu            sync.Mutex
}

// NewManager builds a manager over the freshclam configuration at
// freshclamPath, gated on siteConfPath (the mailad.conf).
func NewManager(freshclamPath, siteConfPath string) *Manager {
	return &Manager{freshclamPath: freshclamPath, siteConfPath: siteConfPath, run: execRunner}
}

// directiveRegex matches `Key value` lines of freshclam.conf.
var directiveRegex = regexp.MustCompile(`^(\w+)\s+(.+)$`)

// Enabled reports whether the site configuration carries ENABLE_AV=yes. A
// missing file means disabled.
func (m *Manager) Enabled() bool {
	data, err := os.ReadFile(m.siteConfPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "ENABLE_AV=yes")
}

func parseDirectives(data string) map[string]string {
	directives := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := directiveRegex.FindStringSubmatch(line); m != nil {
			directives[m[1]] = strings.Trim(m[2], `"`)
		}
	}
	return directives
}

// GetConfig assembles the current view. When the antivirus is disabled only
// the Enabled flag is meaningful.
func (m *Manager) GetConfig() (Config, error) {
	if !m.Enabled() {
		return Config{}, nil
	}

	data, err := os.ReadFile(m.freshclamPath)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", m.freshclamPath, err)
	}
	d := parseDirectives(string(data))

	mirrors := d["DatabaseMirror"]
	if mirrors == "" {
		mirrors = d["PrivateMirror"]
	}
	maxAttempts := d["MaxAttempts"]
	if maxAttempts == "" {
		maxAttempts = "5"
	}
	checks := d["Checks"]
	if checks == "" {
		checks = "24"
	}

	_, hasMirror := d["DatabaseMirror"]
	_, hasProxy := d["HTTPProxyServer"]
	return Config{
		Enabled:            true,
		UseAlternateMirror: hasMirror,
		AlternateMirrors:   mirrors,
		UseProxy:           hasProxy,
		ProxyServer:        d["HTTPProxyServer"],
		ProxyPort:          d["HTTPProxyPort"],
		ProxyUsername:      d["HTTPProxyUsername"],
		ProxyPassword:      d["HTTPProxyPassword"],
		MaxAttempts:        maxAttempts,
		Checks:             checks,
	}, nil
}

// applyDirectives rewrites existing `Key value` lines in place, removes keys
// mapped to nil, and inserts new keys before the first non-comment line so
// they land next to the stock directives. Comments and unknown directives are
// preserved.
func applyDirectives(data string, updates map[string]*string) string {
	lines := strings.Split(data, "\n")
	out := make([]string, 0, len(lines))
	applied := map[string]bool{}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		m := directiveRegex.FindStringSubmatch(trimmed)
		if m == nil {
			out = append(out, line)
			continue
		}
		value, tracked := updates[m[1]]
		if !tracked {
			out = append(out, line)
			continue
		}
		if value != nil {
			out = append(out, m[1]+" "+*value)
			applied[m[1]] = true
		}
		// nil drops the line
	}

	insertAt := 0
	for i, line := range out {
		if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "#") {
			insertAt = i
			break
		}
	}
	for key, value := range updates {
		if value == nil || applied[key] {
			continue
		}
		out = append(out[:insertAt], append([]string{key + " " + *value}, out[insertAt:]...)...)
	}

	return strings.Join(out, "\n")
}

func str(s string) *string { return &s }

// UpdateConfig applies the requested mirror/proxy settings to freshclam.conf
// and reloads the service, best-effort.
func (m *Manager) UpdateConfig(cfg Config) (UpdateResult, error) {
	if !m.Enabled() {
		return UpdateResult{}, &DisabledError{}
	}
	if cfg.UseProxy && strings.TrimSpace(cfg.ProxyServer) == "" {
		return UpdateResult{}, &ValidationError{Message: "proxy server is required when proxy is enabled"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.freshclamPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("reading %s: %w", m.freshclamPath, err)
	}

	updates := map[string]*string{
		"DatabaseMirror":    nil,
		"PrivateMirror":     nil,
		"HTTPProxyServer":   nil,
		"HTTPProxyPort":     nil,
		"HTTPProxyUsername": nil,
		"HTTPProxyPassword": nil,
	}
	if cfg.UseAlternateMirror && cfg.AlternateMirrors != "" {
		updates["DatabaseMirror"] = str(cfg.AlternateMirrors)
	}
	if cfg.UseProxy {
		updates["HTTPProxyServer"] = str(cfg.ProxyServer)
		if cfg.ProxyPort != "" {
			updates["HTTPProxyPort"] = str(cfg.ProxyPort)
		}
		if cfg.ProxyUsername != "" {
			updates["HTTPProxyUsername"] = str(cfg.ProxyUsername)
		}
		if cfg.ProxyPassword != "" {
			updates["HTTPProxyPassword"] = str(cfg.ProxyPassword)
		}
	}
	if cfg.MaxAttempts != "" {
		updates["MaxAttempts"] = str(cfg.MaxAttempts)
	}
	if cfg.Checks != "" {
		updates["Checks"] = str(cfg.Checks)
	}

	data := applyDirectives(string(raw), updates)
	if err := os.WriteFile(m.freshclamPath, []byte(data), 0644); err != nil {
		return UpdateResult{}, fmt.Errorf("writing %s: %w", m.freshclamPath, err)
	}
	log.Info().Bool("mirror", cfg.UseAlternateMirror).Bool("proxy", cfg.UseProxy).
		Msg("Freshclam configuration updated")

	res := UpdateResult{Reloaded: true}
	if out, err := m.run("systemctl", "reload", "freshclam"); err != nil {
		res.Reloaded = false
		res.ReloadError = strings.TrimSpace(string(out))
		if res.ReloadError == "" {
			res.ReloadError = err.Error()
		}
		res.ManualCommand = "systemctl reload freshclam && freshclam"
		log.Warn().Str("error", res.ReloadError).Msg("Freshclam configuration saved but reload failed")
		return res, nil
	}
	// Nudge the daemon to fetch fresh databases; failure here is noise.
	if _, err := m.run("freshclam", "--daemon-notify"); err != nil {
		log.Warn().Err(err).Msg("freshclam daemon notify failed")
	}
	return res, nil
}

// GetStatus queries the ClamAV units and the scanner version.
func (m *Manager) GetStatus() Status {
	s := Status{Clamd: "inactive", Freshclam: "inactive", Version: "unavailable"}
	if out, err := m.run("systemctl", "is-active", "clamav-daemon"); err == nil {
		s.Clamd = strings.TrimSpace(string(out))
	}
	if out, err := m.run("systemctl", "is-active", "freshclam"); err == nil {
		s.Freshclam = strings.TrimSpace(string(out))
	}
	if out, err := m.run("clamscan", "--version"); err == nil {
		if lines := strings.Split(strings.TrimSpace(string(out)), "\n"); len(lines) > 0 && lines[0] != "" {
			s.Version = lines[0]
		}
	}
	return s
}

// TestConfig probes the overall antivirus health: site enablement plus an
// active freshclam unit.
func (m *Manager) TestConfig() (bool, string, []string) {
	status := m.GetStatus()
	enabled := m.Enabled()

	var details []string
	if status.Freshclam == "active" {
		details = append(details, "freshclam service active")
	} else {
		details = append(details, "freshclam service inactive")
	}
	if enabled {
		details = append(details, "antivirus enabled in site configuration")
	} else {
		details = append(details, "antivirus not enabled in site configuration")
	}

	switch {
	case !enabled:
		return false, "antivirus not enabled", details
	case status.Freshclam != "active":
		return false, "freshclam service inactive", details
	default:
		return true, "configuration OK", details
	}
}
