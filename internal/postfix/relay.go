package postfix

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SecretStore mirrors sensitive values into encrypted application storage so
// that they survive a rebuild of the flat files. Optional; a nil store
// disables mirroring.
type SecretStore interface {
	PutSecret(name, value string) error
	DeleteSecret(name string) error
}

// RelayConfig is the outbound relay view: the relayhost line plus the SASL
// credential pair, when present.
type RelayConfig struct {
	RelayHost     string `json:"relayHost"`
	RelayUsername string `json:"relayUsername"`
	RelayPassword string `json:"relayPassword"`
}

// RelayResult reports a relay update. The password is always masked.
type RelayResult struct {
	RelayConfig
	ReloadResult
}

// RelayManager edits the relayhost parameter and the SASL password map.
type RelayManager struct {
	mainCf   MainCf
	saslPath string
	reloader *Reloader
	secrets  SecretStore
	run      Runner
	dial     func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewRelayManager builds a relay manager. secrets may be nil.
func NewRelayManager(mainCf MainCf, saslPath string, reloader *Reloader, secrets SecretStore) *RelayManager {
	return &RelayManager{
		mainCf:   mainCf,
		saslPath: saslPath,
		reloader: reloader,
		secrets:  secrets,
		run:      execRunner,
		dial:     net.DialTimeout,
	}
}

var (
	relayHostRegex = regexp.MustCompile(`^(\[[^\]]+\]|[^:\s]+)(:\d+)?$`)
	saslLineRegex  = regexp.MustCompile(`^\s*\[([^\]]+)\]\s+(\S+):(\S+)`)
	bracketedHost  = regexp.MustCompile(`\[([^\]]+)\]`)
	trailingPort   = regexp.MustCompile(`:(\d+)$`)
)

func validateRelayConfig(cfg RelayConfig) error {
	if host := strings.TrimSpace(cfg.RelayHost); host != "" && !relayHostRegex.MatchString(host) {
		return validationf("invalid relayhost %q, expected [host]:port, host:port or host", host)
	}
	if (cfg.RelayUsername == "") != (cfg.RelayPassword == "") {
		return validationf("relay username and password must be provided together")
	}
	return nil
}

// GetConfig reads the current relay configuration. A missing SASL file means
// no credentials, not an error.
func (r *RelayManager) GetConfig() (RelayConfig, error) {
	params, err := r.mainCf.Get("relayhost")
	if err != nil {
		return RelayConfig{}, err
	}
	cfg := RelayConfig{RelayHost: params["relayhost"]}

	data, err := os.ReadFile(r.saslPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return RelayConfig{}, fmt.Errorf("reading %s: %w", r.saslPath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := saslLineRegex.FindStringSubmatch(line); m != nil {
			cfg.RelayUsername = m[2]
			cfg.RelayPassword = m[3]
			break
		}
	}
	return cfg, nil
}

// relayHostAddr strips brackets and port from a relayhost value.
func relayHostAddr(relayHost string) string {
	host := strings.TrimSpace(relayHost)
	if m := bracketedHost.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

func (r *RelayManager) writeSaslCredentials(relayHost, username, password string) error {
	content := fmt.Sprintf("[%s]\t%s:%s\n", relayHostAddr(relayHost), username, password)
	// Owner-only: the file holds a cleartext password.
	if err := os.WriteFile(r.saslPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", r.saslPath, err)
	}
	if out, err := r.run("postmap", r.saslPath); err != nil {
		return fmt.Errorf("compiling SASL map: %s", commandError("postmap", out, err))
	}
	if r.secrets != nil {
		if err := r.secrets.PutSecret("relay_credentials", username+":"+password); err != nil {
			// Mirroring is a convenience, the map file is authoritative.
			log.Warn().Err(err).Msg("Could not mirror relay credentials into secret storage")
		}
	}
	return nil
}

func (r *RelayManager) removeSaslCredentials() error {
	if err := os.Remove(r.saslPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", r.saslPath, err)
	}
	if r.secrets != nil {
		if err := r.secrets.DeleteSecret("relay_credentials"); err != nil {
			log.Warn().Err(err).Msg("Could not remove mirrored relay credentials")
		}
	}
	return nil
}

// UpdateConfig validates and applies the relay configuration. An empty
// relayhost removes the parameter; credentials are written only when both
// username and password are present, otherwise the SASL file is removed.
func (r *RelayManager) UpdateConfig(cfg RelayConfig) (RelayResult, error) {
	if err := validateRelayConfig(cfg); err != nil {
		return RelayResult{}, err
	}
	cfg.RelayHost = strings.TrimSpace(cfg.RelayHost)

	if err := r.mainCf.Set(map[string]string{"relayhost": cfg.RelayHost}); err != nil {
		return RelayResult{}, err
	}

	if cfg.RelayHost != "" && cfg.RelayUsername != "" && cfg.RelayPassword != "" {
		if err := r.writeSaslCredentials(cfg.RelayHost, cfg.RelayUsername, cfg.RelayPassword); err != nil {
			return RelayResult{}, err
		}
	} else {
		if err := r.removeSaslCredentials(); err != nil {
			return RelayResult{}, err
		}
	}

	masked := ""
	if cfg.RelayPassword != "" {
		masked = "***"
	}
	log.Info().Str("relayhost", cfg.RelayHost).Bool("credentials", masked != "").
		Msg("Relay configuration updated")
	return RelayResult{
		RelayConfig:  RelayConfig{RelayHost: cfg.RelayHost, RelayUsername: cfg.RelayUsername, RelayPassword: masked},
		ReloadResult: r.reloader.ReloadPostfix(),
	}, nil
}

// TestConnection opens a TCP session to the configured relay and checks for
// an SMTP banner. A short timeout keeps the admin request responsive.
func (r *RelayManager) TestConnection() TestResult {
	cfg, err := r.GetConfig()
	if err != nil {
		return TestResult{Message: fmt.Sprintf("could not read relay configuration: %v", err)}
	}
	if cfg.RelayHost == "" {
		return TestResult{Success: true, Message: "no relay configured, mail is delivered directly"}
	}

	host := relayHostAddr(cfg.RelayHost)
	port := "25"
	if m := trailingPort.FindStringSubmatch(cfg.RelayHost); m != nil {
		port = m[1]
	}
	addr := net.JoinHostPort(host, port)

	conn, err := r.dial("tcp", addr, 5*time.Second)
	if err != nil {
		return TestResult{Message: fmt.Sprintf("could not connect to %s: %v", addr, err)}
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	banner, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return TestResult{Message: fmt.Sprintf("no banner from %s: %v", addr, err)}
	}
	if !strings.HasPrefix(banner, "220") && !strings.Contains(banner, "ESMTP") {
		return TestResult{Message: fmt.Sprintf("unexpected banner from %s: %s", addr, strings.TrimSpace(banner))}
	}
	return TestResult{Success: true, Message: fmt.Sprintf("connected to %s", cfg.RelayHost)}
}
