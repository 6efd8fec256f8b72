package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds application configuration
type Config struct {
	// Server settings
	ListenAddr string

	// Database
	DBPath string

	// Security
	AppSecret       string
	DBEncryptionKey string

	// Directory (LDAP/AD)
	LDAPURL          string
	LDAPBindDN       string
	LDAPBindPassword string
	LDAPBaseDN       string
	LDAPGroupBaseDN  string
	LDAPTimeout      time.Duration
	LDAPInsecureTLS  bool
	MailDomain       string

	// Postfix map files
	AliasesPath   string
	BlacklistPath string
	TransportPath string
	MainCfPath    string
	SaslPasswdPath string

	// Host identity files
	HostnamePath string
	HostsPath    string

	// ClamAV
	FreshclamConfPath string
	SiteConfPath      string

	// Auth cache
	AuthCacheTTL time.Duration

	// Retention
	AuditRetentionDays int

	// Session
	SessionTimeoutHours int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Get required security secrets - fail startup if not set or too weak
	appSecret, err := getEnvRequiredMinLength("APP_SECRET", 32)
	if err != nil {
		return nil, fmt.Errorf("security configuration error: %w", err)
	}

	dbEncryptionKey, err := getEnvRequiredMinLength("DB_ENCRYPTION_KEY", 32)
	if err != nil {
		return nil, fmt.Errorf("security configuration error: %w", err)
	}

	baseDN := getEnv("LDAP_BASE_DN", "ou=users,dc=example,dc=com")
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", "./data/mailadmin.db"),
		AppSecret:           appSecret,
		DBEncryptionKey:     dbEncryptionKey,
		LDAPURL:             getEnv("LDAP_URL", "ldap://localhost:389"),
		LDAPBindDN:          os.Getenv("LDAP_BIND_DN"),
		LDAPBindPassword:    os.Getenv("LDAP_BIND_PASSWORD"),
		LDAPBaseDN:          baseDN,
		LDAPGroupBaseDN:     getEnv("LDAP_GROUP_BASE_DN", baseDN),
		LDAPTimeout:         getEnvDuration("LDAP_TIMEOUT", 10*time.Second),
		LDAPInsecureTLS:     getEnv("LDAP_INSECURE_TLS", "false") == "true",
		MailDomain:          getEnv("MAIL_DOMAIN", "example.com"),
		AliasesPath:         getEnv("POSTFIX_ALIASES_PATH", "/etc/postfix/aliases/alias_virtuales"),
		BlacklistPath:       getEnv("POSTFIX_BLACKLIST_PATH", "/etc/postfix/rules/lista_negra"),
		TransportPath:       getEnv("POSTFIX_TRANSPORT_PATH", "/etc/postfix/transport"),
		MainCfPath:          getEnv("POSTFIX_MAIN_CF_PATH", "/etc/postfix/main.cf"),
		SaslPasswdPath:      getEnv("POSTFIX_SASL_PASSWORD_PATH", "/etc/postfix/sasl_passwd"),
		HostnamePath:        getEnv("HOSTNAME_PATH", "/etc/hostname"),
		HostsPath:           getEnv("HOSTS_PATH", "/etc/hosts"),
		FreshclamConfPath:   getEnv("CLAMAV_CONFIG_PATH", "/etc/clamav/freshclam.conf"),
		SiteConfPath:        getEnv("MAILAD_CONF_PATH", "/etc/mailad/mailad.conf"),
		AuthCacheTTL:        getEnvDuration("AUTH_CACHE_TTL", 15*time.Minute),
		AuditRetentionDays:  getEnvInt("AUDIT_RETENTION_DAYS", 90),
		SessionTimeoutHours: getEnvInt("SESSION_TIMEOUT_HOURS", 8),
	}

	if cfg.LDAPBindDN == "" {
		log.Warn().Msg("LDAP_BIND_DN not set, directory operations will bind anonymously")
	}

	log.Info().Msg("Configuration loaded successfully")
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequiredMinLength returns an error if the environment variable is not set
// or if its value is shorter than the minimum required length
func getEnvRequiredMinLength(key string, minLength int) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s environment variable is required but not set", key)
	}
	if len(value) < minLength {
		return "", fmt.Errorf("%s must be at least %d characters (got %d)", key, minLength, len(value))
	}
	return value, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
