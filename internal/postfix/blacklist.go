package postfix

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// blacklistHeader is reproduced verbatim on every rewrite, examples included.
const blacklistHeader = `# Ban list
#
# This is a hash table, you need to make a 'postmap [file]' after saving
#
# It's a good practice to put comments with the reason and not just c&p
# them, make it unique, in that way you will be able to identify which
# rule was triggered

# EXAMPLES
# horoscopofree@ofree.com     REJECT 511 horosco is not allowed here
# jodedor@ejemplo.cu` + "\t\t\t\t" + `DROP 511 jodedor not permitted
# @example.com` + "\t\t\t\t\t" + `REJECT 511 Domain not allowed (example.com)

`

// BlacklistEntry is one access-map line: a sender pattern, an action, an SMTP
// code and a free-text message.
type BlacklistEntry struct {
	Email   string `json:"email"`
	Action  string `json:"action"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BlacklistResult is a mutation outcome for the blacklist map.
type BlacklistResult struct {
	BlacklistEntry
	ReloadResult
}

var (
	plainAddress   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	domainPattern  = regexp.MustCompile(`^@[^\s@]+\.[^\s@]+$`)
	wildcardDomain = regexp.MustCompile(`^@\*\.[^\s@]+\.[^\s@]+$`)
	numericCode    = regexp.MustCompile(`^\d+$`)
)

// ValidBlacklistTarget reports whether s is a plain address, a @domain, or a
// @*.domain wildcard.
func ValidBlacklistTarget(s string) bool {
	return plainAddress.MatchString(s) || domainPattern.MatchString(s) || wildcardDomain.MatchString(s)
}

// BlacklistRegistry manages the sender access map.
type BlacklistRegistry struct {
	path     string
	reloader *Reloader
	mu       sync.Mutex
}

// NewBlacklistRegistry builds a registry over the access map at path.
func NewBlacklistRegistry(path string, reloader *Reloader) *BlacklistRegistry {
	return &BlacklistRegistry{path: path, reloader: reloader}
}

func boilerplateBlacklist(line string) bool {
	return strings.Contains(line, "postmap") ||
		strings.Contains(line, "hash table") ||
		strings.Contains(line, "Ban list")
}

func parseBlacklist(data string) []BlacklistEntry {
	var entries []BlacklistEntry
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || boilerplateBlacklist(line) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 4 {
			continue
		}
		entries = append(entries, BlacklistEntry{
			Email:   parts[0],
			Action:  parts[1],
			Code:    parts[2],
			Message: strings.Join(parts[3:], " "),
		})
	}
	return entries
}

func (r *BlacklistRegistry) readAll() ([]BlacklistEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading blacklist file: %w", err)
	}
	return parseBlacklist(string(data)), nil
}

// FindAll returns every blacklist entry in file order.
func (r *BlacklistRegistry) FindAll() ([]BlacklistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.readAll()
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []BlacklistEntry{}
	}
	return entries, nil
}

// Find returns the entry matching the given sender pattern.
func (r *BlacklistRegistry) Find(email string) (BlacklistEntry, error) {
	entries, err := r.FindAll()
	if err != nil {
		return BlacklistEntry{}, err
	}
	for _, e := range entries {
		if e.Email == email {
			return e, nil
		}
	}
	return BlacklistEntry{}, &NotFoundError{Key: email}
}

// pad returns s right-padded with spaces to at least width.
func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func (r *BlacklistRegistry) write(entries []BlacklistEntry) error {
	var b strings.Builder
	b.WriteString(blacklistHeader)
	for _, e := range entries {
		// Fixed-width columns keep the file readable for operators
		// editing it by hand.
		b.WriteString(pad(e.Email, 40))
		b.WriteString(pad(e.Action, 8))
		b.WriteString(pad(e.Code, 4))
		b.WriteString(e.Message)
		b.WriteString("\n")
	}
	if err := os.WriteFile(r.path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing blacklist file: %w", err)
	}
	return nil
}

// Create validates and appends a new entry, rewrites the file and attempts a
// map reload.
func (r *BlacklistRegistry) Create(e BlacklistEntry) (BlacklistResult, error) {
	e.Email = strings.TrimSpace(e.Email)
	e.Message = strings.TrimSpace(e.Message)
	if e.Action == "" {
		e.Action = "REJECT"
	}
	if e.Code == "" {
		e.Code = "511"
	}

	if e.Email == "" {
		return BlacklistResult{}, validationf("email or domain is required")
	}
	if e.Message == "" {
		return BlacklistResult{}, validationf("rejection message is required")
	}
	if !ValidBlacklistTarget(e.Email) {
		return BlacklistResult{}, validationf("invalid email or domain pattern: %s", e.Email)
	}
	if e.Action != "REJECT" && e.Action != "DROP" {
		return BlacklistResult{}, validationf("action must be REJECT or DROP, got %q", e.Action)
	}
	if !numericCode.MatchString(e.Code) {
		return BlacklistResult{}, validationf("code must be numeric, got %q", e.Code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readAll()
	if err != nil {
		return BlacklistResult{}, err
	}
	for _, existing := range entries {
		if existing.Email == e.Email {
			return BlacklistResult{}, &AlreadyExistsError{Key: e.Email}
		}
	}

	entries = append(entries, e)
	if err := r.write(entries); err != nil {
		return BlacklistResult{}, err
	}
	log.Info().Str("target", e.Email).Str("action", e.Action).Msg("Blacklist entry created")
	return BlacklistResult{BlacklistEntry: e, ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}

// Delete removes the entry matching the sender pattern.
func (r *BlacklistRegistry) Delete(email string) (BlacklistResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readAll()
	if err != nil {
		return BlacklistResult{}, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Email != email {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return BlacklistResult{}, &NotFoundError{Key: email}
	}

	if err := r.write(kept); err != nil {
		return BlacklistResult{}, err
	}
	log.Info().Str("target", email).Msg("Blacklist entry deleted")
	return BlacklistResult{ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}
