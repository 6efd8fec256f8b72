package postfix

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeMainCf(t *testing.T, content string) MainCf {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.cf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return NewMainCf(path)
}

func TestMainCfEditsLineInPlace(t *testing.T) {
	m := writeMainCf(t, "# comment stays\nmydomain = old.tld\nunrelated = keep\n")

	if err := m.Set(map[string]string{"mydomain": "new.tld"}); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(m.Path())
	content := string(data)
	if !strings.Contains(content, "mydomain = new.tld") {
		t.Errorf("value not replaced:\n%s", content)
	}
	if strings.Contains(content, "old.tld") {
		t.Error("old value still present")
	}
	if !strings.Contains(content, "# comment stays") || !strings.Contains(content, "unrelated = keep") {
		t.Error("untouched lines were not preserved")
	}
}

func TestMainCfPreservesDollarReferences(t *testing.T) {
	m := writeMainCf(t, "virtual_mailbox_domains = old.tld\nmydomain = example.tld\n")

	if err := m.Set(map[string]string{"virtual_mailbox_domains": "$mydomain, extra.tld"}); err != nil {
		t.Fatal(err)
	}

	values, err := m.Get("virtual_mailbox_domains")
	if err != nil {
		t.Fatal(err)
	}
	if values["virtual_mailbox_domains"] != "$mydomain, extra.tld" {
		t.Errorf("virtual_mailbox_domains = %q, want %q",
			values["virtual_mailbox_domains"], "$mydomain, extra.tld")
	}
}

func TestMainCfAppendsMissingKey(t *testing.T) {
	m := writeMainCf(t, "mydomain = example.tld\n")

	if err := m.Set(map[string]string{"relayhost": "[smtp.example.tld]:587"}); err != nil {
		t.Fatal(err)
	}
	values, err := m.Get("relayhost", "mydomain")
	if err != nil {
		t.Fatal(err)
	}
	if values["relayhost"] != "[smtp.example.tld]:587" || values["mydomain"] != "example.tld" {
		t.Fatalf("values = %v", values)
	}
}

func TestMainCfEmptyValueRemovesLine(t *testing.T) {
	m := writeMainCf(t, "relayhost = [smtp.example.tld]:587\nmydomain = example.tld\n")

	if err := m.Set(map[string]string{"relayhost": ""}); err != nil {
		t.Fatal(err)
	}
	values, _ := m.Get("relayhost")
	if values["relayhost"] != "" {
		t.Errorf("relayhost = %q after removal", values["relayhost"])
	}
}

func TestValidateNetworks(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"10.0.0.0/24", true},
		{"127.0.0.0/8 10.0.0.0/24", true},
		{"10.0.0.0/24 192.168.1.0/33", false},
		{"256.0.0.1/24", false},
		{"10.0.0.0", false},
		{"", true},
	}
	for _, c := range cases {
		err := ValidateNetworks(c.in)
		if (err == nil) != c.ok {
			t.Errorf("ValidateNetworks(%q) = %v, want ok=%v", c.in, err, c.ok)
		}
	}
}

func newTestHostManager(t *testing.T) (*HostManager, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	mainCf := NewMainCf(filepath.Join(dir, "main.cf"))
	os.WriteFile(mainCf.Path(), []byte("mydomain = old.tld\nmyhostname = mail.old.tld\n"), 0644)
	hostnamePath := filepath.Join(dir, "hostname")
	hostsPath := filepath.Join(dir, "hosts")
	os.WriteFile(hostnamePath, []byte("mail\n"), 0644)
	os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0644)

	runner := &fakeRunner{fail: map[string]error{}}
	h := NewHostManager(mainCf, hostnamePath, hostsPath, NewReloaderWithRunner(runner.run))
	h.run = runner.run
	return h, runner
}

func TestHostUpdateRejectsInvalidNetworks(t *testing.T) {
	h, runner := newTestHostManager(t)

	_, err := h.UpdateConfig(HostConfig{
		Hostname: "mail", Mydomain: "example.tld", Myhostname: "mail.example.tld",
		Hosts: "127.0.0.1 localhost\n", Mynetworks: "10.0.0.0/24 192.168.1.0/33",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("commands ran despite validation failure: %v", runner.calls)
	}
}

func TestHostUpdateWritesFilesAndMainCf(t *testing.T) {
	h, runner := newTestHostManager(t)

	res, err := h.UpdateConfig(HostConfig{
		Hostname: "mail", Mydomain: "example.tld", Myhostname: "mail.example.tld",
		Hosts: "127.0.0.1 localhost mail\n", Mynetworks: "10.0.0.0/24",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SystemApplied {
		t.Errorf("system changes not applied: %s", res.SystemError)
	}

	cfg, err := h.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hostname != "mail" || cfg.Mydomain != "example.tld" || cfg.Mynetworks != "10.0.0.0/24" {
		t.Fatalf("config after update = %+v", cfg)
	}
	if cfg.MessageSizeLimit != defaultMessageSizeLimit {
		t.Errorf("messageSizeLimit default = %q", cfg.MessageSizeLimit)
	}

	foundHostnamectl := false
	for _, call := range runner.calls {
		if call[0] == "hostnamectl" {
			foundHostnamectl = true
			if len(call) != 3 || call[1] != "set-hostname" || call[2] != "mail" {
				t.Errorf("hostnamectl argv = %v", call)
			}
		}
	}
	if !foundHostnamectl {
		t.Error("hostnamectl was not invoked")
	}
}

func newTestRelayManager(t *testing.T, mainCfContent string) (*RelayManager, *fakeRunner, string) {
	t.Helper()
	dir := t.TempDir()
	mainCf := NewMainCf(filepath.Join(dir, "main.cf"))
	os.WriteFile(mainCf.Path(), []byte(mainCfContent), 0644)
	saslPath := filepath.Join(dir, "sasl_passwd")

	runner := &fakeRunner{fail: map[string]error{}}
	r := NewRelayManager(mainCf, saslPath, NewReloaderWithRunner(runner.run), nil)
	r.run = runner.run
	return r, runner, saslPath
}

func TestRelayCredentialsRequireBoth(t *testing.T) {
	r, _, _ := newTestRelayManager(t, "mydomain = example.tld\n")

	var verr *ValidationError
	_, err := r.UpdateConfig(RelayConfig{RelayHost: "smtp.example.tld", RelayUsername: "user"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRelayUpdateWritesCredentialFile(t *testing.T) {
	r, runner, saslPath := newTestRelayManager(t, "mydomain = example.tld\n")

	res, err := r.UpdateConfig(RelayConfig{
		RelayHost: "[smtp.example.tld]:587", RelayUsername: "user", RelayPassword: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RelayPassword != "***" {
		t.Errorf("password not masked: %q", res.RelayPassword)
	}

	data, err := os.ReadFile(saslPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "[smtp.example.tld]\tuser:secret\n" {
		t.Errorf("sasl_passwd content = %q", data)
	}
	info, _ := os.Stat(saslPath)
	if info.Mode().Perm() != 0600 {
		t.Errorf("sasl_passwd mode = %o, want 600", info.Mode().Perm())
	}

	postmapped := false
	for _, call := range runner.calls {
		if call[0] == "postmap" && len(call) == 2 && call[1] == saslPath {
			postmapped = true
		}
	}
	if !postmapped {
		t.Error("postmap was not run on the credential file")
	}

	cfg, err := r.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RelayUsername != "user" || cfg.RelayPassword != "secret" {
		t.Fatalf("read-back config = %+v", cfg)
	}
}

func TestRelayEmptyHostRemovesEverything(t *testing.T) {
	r, _, saslPath := newTestRelayManager(t, "relayhost = smtp.example.tld\n")
	os.WriteFile(saslPath, []byte("[smtp.example.tld]\tuser:secret\n"), 0600)

	if _, err := r.UpdateConfig(RelayConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(saslPath); !os.IsNotExist(err) {
		t.Error("sasl_passwd not removed")
	}
	cfg, _ := r.GetConfig()
	if cfg.RelayHost != "" {
		t.Errorf("relayhost = %q after removal", cfg.RelayHost)
	}
}

func TestRelayTestConnectionBanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("220 mail.example.tld ESMTP Postfix\r\n"))
		conn.Close()
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	r, _, _ := newTestRelayManager(t, "relayhost = ["+host+"]:"+port+"\n")
	r.dial = net.DialTimeout

	res := r.TestConnection()
	if !res.Success {
		t.Fatalf("banner probe failed: %s", res.Message)
	}
}

func TestRelayTestConnectionUnconfigured(t *testing.T) {
	r, _, _ := newTestRelayManager(t, "mydomain = example.tld\n")
	res := r.TestConnection()
	if !res.Success {
		t.Fatalf("unconfigured relay should pass: %s", res.Message)
	}
}

func TestRelayTestConnectionTimeout(t *testing.T) {
	r, _, _ := newTestRelayManager(t, "relayhost = smtp.example.tld\n")
	r.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	res := r.TestConnection()
	if res.Success {
		t.Fatal("unreachable relay reported success")
	}
}

const sampleMailq = `-Queue ID- --Size-- ----Arrival Time---- -Sender/Recipient-------
A1B2C3D4E5*     1234 Wed Jan 15 10:30:00  sender@example.com
                                          recipient@example.com

F6A7B8C9D0     5678 Wed Jan 15 10:35:00  other@example.com
(connect to relay.example.com[10.0.0.1]:25: Connection refused)
                                          target@example.org

-- 6 Kbytes in 2 Requests.
`

func TestParseMailq(t *testing.T) {
	messages := parseMailq(sampleMailq)
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Status != "active" || messages[0].QueueID != "A1B2C3D4E5" {
		t.Errorf("first = %+v", messages[0])
	}
	if messages[1].Status != "deferred" || messages[1].Reason == "" {
		t.Errorf("second = %+v", messages[1])
	}
	if len(messages[1].Recipients) != 1 || messages[1].Recipients[0] != "target@example.org" {
		t.Errorf("recipients = %v", messages[1].Recipients)
	}
}
