package antivirus

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleFreshclam = `# Automatically created by the clamav-freshclam postinst
# Comments will get lost when you reconfigure the clamav-freshclam package

DatabaseOwner clamav
UpdateLogFile /var/log/clamav/freshclam.log
Checks 24
MaxAttempts 5
DatabaseMirror db.local.clamav.net
`

func newTestManager(t *testing.T, enabled bool) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	freshclamPath := filepath.Join(dir, "freshclam.conf")
	os.WriteFile(freshclamPath, []byte(sampleFreshclam), 0644)

	sitePath := filepath.Join(dir, "mailad.conf")
	siteContent := "DOMAIN=example.tld\nENABLE_AV=no\n"
	if enabled {
		siteContent = "DOMAIN=example.tld\nENABLE_AV=yes\n"
	}
	os.WriteFile(sitePath, []byte(siteContent), 0644)

	m := NewManager(freshclamPath, sitePath)
	m.run = func(name string, args ...string) ([]byte, error) {
		if name == "systemctl" && len(args) == 2 && args[0] == "is-active" {
			return []byte("active\n"), nil
		}
		return nil, nil
	}
	return m, freshclamPath
}

func TestGetConfigDisabled(t *testing.T) {
	m, _ := newTestManager(t, false)
	cfg, err := m.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled {
		t.Error("antivirus should be reported disabled")
	}
}

func TestUpdateConfigDisabled(t *testing.T) {
	m, _ := newTestManager(t, false)
	var derr *DisabledError
	if _, err := m.UpdateConfig(Config{}); !errors.As(err, &derr) {
		t.Fatalf("expected DisabledError, got %v", err)
	}
}

func TestGetConfigParsesDirectives(t *testing.T) {
	m, _ := newTestManager(t, true)
	cfg, err := m.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled || !cfg.UseAlternateMirror {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.AlternateMirrors != "db.local.clamav.net" || cfg.Checks != "24" || cfg.MaxAttempts != "5" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestUpdateConfigSetsProxyAndDropsMirror(t *testing.T) {
	m, path := newTestManager(t, true)

	res, err := m.UpdateConfig(Config{
		UseProxy:    true,
		ProxyServer: "proxy.example.tld",
		ProxyPort:   "3128",
		Checks:      "12",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reloaded {
		t.Errorf("reload failed: %s", res.ReloadError)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if strings.Contains(content, "DatabaseMirror") {
		t.Error("mirror directive not removed")
	}
	if !strings.Contains(content, "HTTPProxyServer proxy.example.tld") ||
		!strings.Contains(content, "HTTPProxyPort 3128") {
		t.Errorf("proxy directives missing:\n%s", content)
	}
	if !strings.Contains(content, "Checks 12") || strings.Contains(content, "Checks 24") {
		t.Errorf("Checks not rewritten in place:\n%s", content)
	}
	if !strings.Contains(content, "# Automatically created") {
		t.Error("leading comments lost")
	}
	if !strings.Contains(content, "DatabaseOwner clamav") {
		t.Error("unrelated directive lost")
	}
}

func TestUpdateConfigProxyRequiresServer(t *testing.T) {
	m, _ := newTestManager(t, true)
	var verr *ValidationError
	if _, err := m.UpdateConfig(Config{UseProxy: true}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdateConfigSurvivesReloadFailure(t *testing.T) {
	m, path := newTestManager(t, true)
	m.run = func(name string, args ...string) ([]byte, error) {
		if name == "systemctl" && len(args) > 0 && args[0] == "reload" {
			return []byte("unit not found"), errors.New("exit 1")
		}
		return nil, nil
	}

	res, err := m.UpdateConfig(Config{Checks: "6"})
	if err != nil {
		t.Fatalf("file mutation must survive reload failure: %v", err)
	}
	if res.Reloaded || res.ManualCommand == "" {
		t.Errorf("result = %+v", res)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "Checks 6") {
		t.Error("change not durable after reload failure")
	}
}

func TestGetStatus(t *testing.T) {
	m, _ := newTestManager(t, true)
	m.run = func(name string, args ...string) ([]byte, error) {
		switch name {
		case "systemctl":
			return []byte("active\n"), nil
		case "clamscan":
			return []byte("ClamAV 1.0.1/27000\nextra line\n"), nil
		}
		return nil, nil
	}
	s := m.GetStatus()
	if s.Clamd != "active" || s.Freshclam != "active" {
		t.Errorf("status = %+v", s)
	}
	if s.Version != "ClamAV 1.0.1/27000" {
		t.Errorf("version = %q", s.Version)
	}
}

func TestInsertNewDirectiveBeforeFirstNonComment(t *testing.T) {
	updated := applyDirectives("# header\n\nDatabaseOwner clamav\n", map[string]*string{
		"HTTPProxyServer": str("proxy.example.tld"),
	})
	lines := strings.Split(updated, "\n")
	var first string
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "#") {
			first = t
			break
		}
	}
	if first != "HTTPProxyServer proxy.example.tld" {
		t.Errorf("new directive not inserted before stock ones, first = %q", first)
	}
}
