package postfix

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultMessageSizeLimit = "5662310"

// HostConfig is the host identity view assembled from /etc/hostname,
// /etc/hosts and selected main.cf parameters.
type HostConfig struct {
	Hostname         string `json:"hostname"`
	Hosts            string `json:"hosts"`
	Mydomain         string `json:"mydomain"`
	Myhostname       string `json:"myhostname"`
	VirtualDomains   string `json:"virtualDomains"`
	Mynetworks       string `json:"mynetworks"`
	MessageSizeLimit string `json:"messageSizeLimit"`
}

// HostResult reports a host configuration update: the applied values, whether
// the system-level changes (hostnamectl, service restart) took, and the
// Postfix reload outcome.
type HostResult struct {
	HostConfig
	SystemApplied bool   `json:"systemApplied"`
	SystemError   string `json:"systemError,omitempty"`
	ReloadResult
}

// TestResult is the outcome of a configuration probe.
type TestResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// HostManager edits the host identity files and the related main.cf
// parameters.
type HostManager struct {
	mainCf       MainCf
	hostnamePath string
	hostsPath    string
	reloader     *Reloader
	run          Runner
}

// NewHostManager builds a host manager. hostnamePath and hostsPath default to
// the system files when empty.
func NewHostManager(mainCf MainCf, hostnamePath, hostsPath string, reloader *Reloader) *HostManager {
	if hostnamePath == "" {
		hostnamePath = "/etc/hostname"
	}
	if hostsPath == "" {
		hostsPath = "/etc/hosts"
	}
	return &HostManager{
		mainCf:       mainCf,
		hostnamePath: hostnamePath,
		hostsPath:    hostsPath,
		reloader:     reloader,
		run:          execRunner,
	}
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)
	fqdnRegex     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}$`)
	cidrRegex     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2}$`)
)

// ValidateNetworks checks every whitespace-separated CIDR entry: dotted quad
// with octets 0-255 and a mask 0-32.
func ValidateNetworks(networks string) error {
	networks = strings.TrimSpace(networks)
	if networks == "" {
		return nil
	}
	for _, network := range strings.Fields(networks) {
		if !cidrRegex.MatchString(network) {
			return validationf("invalid network %q, expected CIDR notation like 192.168.1.0/24", network)
		}
		slash := strings.Index(network, "/")
		ip, mask := network[:slash], network[slash+1:]
		for _, part := range strings.Split(ip, ".") {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 || n > 255 {
				return validationf("invalid address %q, each octet must be 0-255", ip)
			}
		}
		if n, err := strconv.Atoi(mask); err != nil || n < 0 || n > 32 {
			return validationf("invalid mask %q, must be 0-32", mask)
		}
	}
	return nil
}

func validateHostConfig(cfg HostConfig) error {
	if cfg.Hostname == "" || cfg.Mydomain == "" || cfg.Myhostname == "" || cfg.Hosts == "" {
		return validationf("hostname, mydomain, myhostname and hosts are all required")
	}
	if !hostnameRegex.MatchString(cfg.Hostname) {
		return validationf("invalid hostname %q, use letters, digits, dots and hyphens", cfg.Hostname)
	}
	if !fqdnRegex.MatchString(cfg.Mydomain) {
		return validationf("invalid domain %q, expected something like example.com", cfg.Mydomain)
	}
	if !fqdnRegex.MatchString(cfg.Myhostname) {
		return validationf("myhostname must be a FQDN like mail.example.com, got %q", cfg.Myhostname)
	}
	return ValidateNetworks(cfg.Mynetworks)
}

// GetConfig assembles the current host view.
func (h *HostManager) GetConfig() (HostConfig, error) {
	params, err := h.mainCf.Get("mydomain", "myhostname", "virtual_mailbox_domains",
		"mynetworks", "message_size_limit")
	if err != nil {
		return HostConfig{}, err
	}

	hostname, err := os.ReadFile(h.hostnamePath)
	if err != nil {
		return HostConfig{}, fmt.Errorf("reading %s: %w", h.hostnamePath, err)
	}
	hosts, err := os.ReadFile(h.hostsPath)
	if err != nil {
		return HostConfig{}, fmt.Errorf("reading %s: %w", h.hostsPath, err)
	}

	sizeLimit := params["message_size_limit"]
	if sizeLimit == "" {
		sizeLimit = defaultMessageSizeLimit
	}
	return HostConfig{
		Hostname:         strings.TrimSpace(string(hostname)),
		Hosts:            string(hosts),
		Mydomain:         params["mydomain"],
		Myhostname:       params["myhostname"],
		VirtualDomains:   params["virtual_mailbox_domains"],
		Mynetworks:       params["mynetworks"],
		MessageSizeLimit: sizeLimit,
	}, nil
}

// UpdateConfig validates and writes the host configuration, then applies the
// system-level changes and reloads Postfix, both best-effort.
func (h *HostManager) UpdateConfig(cfg HostConfig) (HostResult, error) {
	if err := validateHostConfig(cfg); err != nil {
		return HostResult{}, err
	}

	if err := os.WriteFile(h.hostnamePath, []byte(cfg.Hostname+"\n"), 0644); err != nil {
		return HostResult{}, fmt.Errorf("writing %s: %w", h.hostnamePath, err)
	}
	if err := os.WriteFile(h.hostsPath, []byte(cfg.Hosts), 0644); err != nil {
		return HostResult{}, fmt.Errorf("writing %s: %w", h.hostsPath, err)
	}

	params := map[string]string{
		"mydomain":   cfg.Mydomain,
		"myhostname": cfg.Myhostname,
	}
	if cfg.VirtualDomains != "" {
		params["virtual_mailbox_domains"] = cfg.VirtualDomains
	}
	if cfg.Mynetworks != "" {
		params["mynetworks"] = cfg.Mynetworks
	}
	if cfg.MessageSizeLimit != "" {
		params["message_size_limit"] = cfg.MessageSizeLimit
	}
	if err := h.mainCf.Set(params); err != nil {
		return HostResult{}, err
	}

	res := HostResult{HostConfig: cfg, SystemApplied: true}
	if out, err := h.run("hostnamectl", "set-hostname", cfg.Hostname); err != nil {
		res.SystemApplied = false
		res.SystemError = commandError("hostnamectl set-hostname", out, err)
		log.Warn().Str("hostname", cfg.Hostname).Str("error", res.SystemError).
			Msg("Hostname files updated but hostnamectl failed")
	} else if restart := h.reloader.RestartService("postfix"); !restart.Reloaded {
		res.SystemApplied = false
		res.SystemError = restart.Error
	}

	res.ReloadResult = h.reloader.ReloadPostfix()
	log.Info().Str("hostname", cfg.Hostname).Str("domain", cfg.Mydomain).Msg("Host configuration updated")
	return res, nil
}

// TestConfig probes whether the saved configuration matches the running
// system: hostname agreement and an active Postfix unit.
func (h *HostManager) TestConfig() TestResult {
	cfg, err := h.GetConfig()
	if err != nil {
		return TestResult{Message: fmt.Sprintf("could not read configuration: %v", err)}
	}

	details := map[string]string{
		"domain":         cfg.Mydomain,
		"virtualDomains": cfg.VirtualDomains,
	}

	if out, err := h.run("hostname"); err == nil {
		details["hostnameMatch"] = strconv.FormatBool(strings.TrimSpace(string(out)) == cfg.Hostname)
	} else {
		details["hostnameMatch"] = "unknown"
	}
	out, err := h.run("systemctl", "is-active", "postfix")
	details["postfixActive"] = strconv.FormatBool(err == nil && strings.TrimSpace(string(out)) == "active")

	return TestResult{
		Success: true,
		Message: fmt.Sprintf("configuration verified for %s", cfg.Myhostname),
		Details: details,
	}
}
