package postfix

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const transportHeader = "# Transport rules\n# Format: pattern\tdestination\n\n"

// TransportRule routes mail matching a recipient pattern to a destination
// transport, e.g. "example.com\tsmtp:[relay.example.com]:25".
type TransportRule struct {
	Pattern     string `json:"pattern"`
	Destination string `json:"destination"`
}

// TransportResult is a mutation outcome for the transport map.
type TransportResult struct {
	Pattern     string `json:"pattern,omitempty"`
	Destination string `json:"destination,omitempty"`
	ReloadResult
}

// TransportRegistry manages the transport map file.
type TransportRegistry struct {
	path     string
	reloader *Reloader
	mu       sync.Mutex
}

// NewTransportRegistry builds a registry over the transport map at path.
func NewTransportRegistry(path string, reloader *Reloader) *TransportRegistry {
	return &TransportRegistry{path: path, reloader: reloader}
}

func parseTransport(data string) []TransportRule {
	var rules []TransportRule
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		rules = append(rules, TransportRule{Pattern: parts[0], Destination: strings.Join(parts[1:], " ")})
	}
	return rules
}

func (r *TransportRegistry) readAll() ([]TransportRule, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading transport file: %w", err)
	}
	return parseTransport(string(data)), nil
}

// FindAll returns every transport rule in file order.
func (r *TransportRegistry) FindAll() ([]TransportRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules, err := r.readAll()
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []TransportRule{}
	}
	return rules, nil
}

// Find returns the rule for the given pattern.
func (r *TransportRegistry) Find(pattern string) (TransportRule, error) {
	rules, err := r.FindAll()
	if err != nil {
		return TransportRule{}, err
	}
	for _, rule := range rules {
		if rule.Pattern == pattern {
			return rule, nil
		}
	}
	return TransportRule{}, &NotFoundError{Key: pattern}
}

func (r *TransportRegistry) write(rules []TransportRule) error {
	var b strings.Builder
	b.WriteString(transportHeader)
	for _, rule := range rules {
		fmt.Fprintf(&b, "%s\t%s\n", rule.Pattern, rule.Destination)
	}
	if err := os.WriteFile(r.path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing transport file: %w", err)
	}
	return nil
}

// Create appends a new transport rule, rewrites the file and attempts a map
// reload.
func (r *TransportRegistry) Create(rule TransportRule) (TransportResult, error) {
	rule.Pattern = strings.TrimSpace(rule.Pattern)
	rule.Destination = strings.TrimSpace(rule.Destination)
	if rule.Pattern == "" || rule.Destination == "" {
		return TransportResult{}, validationf("pattern and destination are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.readAll()
	if err != nil {
		return TransportResult{}, err
	}
	for _, existing := range rules {
		if existing.Pattern == rule.Pattern {
			return TransportResult{}, &AlreadyExistsError{Key: rule.Pattern}
		}
	}

	rules = append(rules, rule)
	if err := r.write(rules); err != nil {
		return TransportResult{}, err
	}
	log.Info().Str("pattern", rule.Pattern).Str("destination", rule.Destination).Msg("Transport rule created")
	return TransportResult{Pattern: rule.Pattern, Destination: rule.Destination,
		ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}

// Update replaces the destination of an existing rule.
func (r *TransportRegistry) Update(pattern, newDestination string) (TransportResult, error) {
	newDestination = strings.TrimSpace(newDestination)
	if newDestination == "" {
		return TransportResult{}, validationf("destination is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.readAll()
	if err != nil {
		return TransportResult{}, err
	}
	found := false
	for i := range rules {
		if rules[i].Pattern == pattern {
			rules[i].Destination = newDestination
			found = true
			break
		}
	}
	if !found {
		return TransportResult{}, &NotFoundError{Key: pattern}
	}

	if err := r.write(rules); err != nil {
		return TransportResult{}, err
	}
	log.Info().Str("pattern", pattern).Msg("Transport rule updated")
	return TransportResult{Pattern: pattern, Destination: newDestination,
		ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}

// Delete removes the rule for the given pattern.
func (r *TransportRegistry) Delete(pattern string) (TransportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.readAll()
	if err != nil {
		return TransportResult{}, err
	}
	kept := rules[:0]
	for _, rule := range rules {
		if rule.Pattern != pattern {
			kept = append(kept, rule)
		}
	}
	if len(kept) == len(rules) {
		return TransportResult{}, &NotFoundError{Key: pattern}
	}

	if err := r.write(kept); err != nil {
		return TransportResult{}, err
	}
	log.Info().Str("pattern", pattern).Msg("Transport rule deleted")
	return TransportResult{ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}
