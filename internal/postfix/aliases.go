package postfix

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// aliasHeader is reproduced verbatim at the top of every rewrite. The file
// predates this tool and operators grep for these lines.
const aliasHeader = `# Listado de alias virtuales para el dominio
#
# hacer al terminar "postmap alias_virtuales && postfix reload"

# #####################################################
# DEFAULTS del dominio por RFC
# TIENEN que apuntar a una direccion valida
# incluso puede apuntar a otro alias
# #####################################################
`

// Alias maps a fully qualified local address to a comma-separated list of
// destinations.
type Alias struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AliasResult is a mutation outcome: the durable entry plus the best-effort
// reload report.
type AliasResult struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	ReloadResult
}

// AddressSource yields the mail addresses of existing mailbox users. The
// alias registry queries it live at validation time, never caching, because
// the directory can change between page loads.
type AddressSource interface {
	EmailAddresses() ([]string, error)
}

// AliasRegistry manages the virtual alias map file. Concurrent rewrites are
// serialized by the registry mutex; the file itself is the source of truth
// and is re-read on every operation.
type AliasRegistry struct {
	path     string
	users    AddressSource
	reloader *Reloader
	mu       sync.Mutex
}

// NewAliasRegistry builds a registry over the map file at path.
func NewAliasRegistry(path string, users AddressSource, reloader *Reloader) *AliasRegistry {
	return &AliasRegistry{path: path, users: users, reloader: reloader}
}

// boilerplateAlias reports whether a non-comment line belongs to the header
// text rather than the data.
func boilerplateAlias(line string) bool {
	return strings.Contains(line, "postmap") ||
		strings.Contains(line, "postfix reload") ||
		strings.Contains(line, "DEFAULTS") ||
		strings.Contains(line, "TIENEN que apuntar")
}

func parseAliases(data string) []Alias {
	var aliases []Alias
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || boilerplateAlias(line) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		aliases = append(aliases, Alias{Name: parts[0], Value: strings.Join(parts[1:], " ")})
	}
	return aliases
}

func (r *AliasRegistry) readAll() ([]Alias, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading alias file: %w", err)
	}
	return parseAliases(string(data)), nil
}

// FindAll returns every alias in file order.
func (r *AliasRegistry) FindAll() ([]Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	aliases, err := r.readAll()
	if err != nil {
		return nil, err
	}
	if aliases == nil {
		aliases = []Alias{}
	}
	return aliases, nil
}

// Find returns the alias with the given name.
func (r *AliasRegistry) Find(name string) (Alias, error) {
	aliases, err := r.FindAll()
	if err != nil {
		return Alias{}, err
	}
	for _, a := range aliases {
		if a.Name == name {
			return a, nil
		}
	}
	return Alias{}, &NotFoundError{Key: name}
}

// validateDestinations checks that every comma-separated destination resolves
// to an existing mailbox user or an existing alias name. Invalid destinations
// are reported individually.
func (r *AliasRegistry) validateDestinations(value string, aliases []Alias) error {
	emails, err := r.users.EmailAddresses()
	if err != nil {
		return fmt.Errorf("fetching mailbox users for alias validation: %w", err)
	}
	known := make(map[string]bool, len(emails)+len(aliases))
	for _, e := range emails {
		known[e] = true
	}
	for _, a := range aliases {
		known[a.Name] = true
	}

	var invalid []string
	for _, dest := range strings.Split(value, ",") {
		dest = strings.TrimSpace(dest)
		if dest == "" {
			continue
		}
		if !known[dest] {
			invalid = append(invalid, dest)
		}
	}
	if len(invalid) > 0 {
		return validationf("destinations do not resolve to an existing user or alias: %s",
			strings.Join(invalid, ", "))
	}
	return nil
}

func (r *AliasRegistry) write(aliases []Alias) error {
	var b strings.Builder
	b.WriteString(aliasHeader)
	for _, a := range aliases {
		fmt.Fprintf(&b, "%s\t\t\t\t\t%s\n", a.Name, a.Value)
	}
	if err := os.WriteFile(r.path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing alias file: %w", err)
	}
	return nil
}

// Create validates and appends a new alias, then rewrites the file and
// attempts a map reload. A reload failure does not undo the write.
func (r *AliasRegistry) Create(a Alias) (AliasResult, error) {
	a.Name = strings.TrimSpace(a.Name)
	a.Value = strings.TrimSpace(a.Value)
	if a.Name == "" || a.Value == "" {
		return AliasResult{}, validationf("alias name and value are required")
	}
	if !strings.Contains(a.Name, "@") {
		return AliasResult{}, validationf("alias name must be a mail address: %s", a.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	aliases, err := r.readAll()
	if err != nil {
		return AliasResult{}, err
	}
	if err := r.validateDestinations(a.Value, aliases); err != nil {
		return AliasResult{}, err
	}
	for _, existing := range aliases {
		if existing.Name == a.Name {
			return AliasResult{}, &AlreadyExistsError{Key: a.Name}
		}
	}

	aliases = append(aliases, a)
	if err := r.write(aliases); err != nil {
		return AliasResult{}, err
	}
	log.Info().Str("alias", a.Name).Msg("Alias created")
	return AliasResult{Name: a.Name, Value: a.Value, ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}

// Update replaces the value of an existing alias.
func (r *AliasRegistry) Update(name, newValue string) (AliasResult, error) {
	newValue = strings.TrimSpace(newValue)
	if newValue == "" {
		return AliasResult{}, validationf("alias value is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	aliases, err := r.readAll()
	if err != nil {
		return AliasResult{}, err
	}
	if err := r.validateDestinations(newValue, aliases); err != nil {
		return AliasResult{}, err
	}

	found := false
	for i := range aliases {
		if aliases[i].Name == name {
			aliases[i].Value = newValue
			found = true
			break
		}
	}
	if !found {
		return AliasResult{}, &NotFoundError{Key: name}
	}

	if err := r.write(aliases); err != nil {
		return AliasResult{}, err
	}
	log.Info().Str("alias", name).Msg("Alias updated")
	return AliasResult{Name: name, Value: newValue, ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}

// Delete removes an alias by name.
func (r *AliasRegistry) Delete(name string) (AliasResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	aliases, err := r.readAll()
	if err != nil {
		return AliasResult{}, err
	}
	kept := aliases[:0]
	for _, a := range aliases {
		if a.Name != name {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(aliases) {
		return AliasResult{}, &NotFoundError{Key: name}
	}

	if err := r.write(kept); err != nil {
		return AliasResult{}, err
	}
	log.Info().Str("alias", name).Msg("Alias deleted")
	return AliasResult{Name: name, ReloadResult: r.reloader.ReloadMap(r.path)}, nil
}
