package postfix

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records invocations and optionally fails commands by name.
type fakeRunner struct {
	calls [][]string
	fail  map[string]error
}

func (f *fakeRunner) run(name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if err, ok := f.fail[name]; ok {
		return []byte("boom"), err
	}
	return nil, nil
}

type staticAddresses []string

func (s staticAddresses) EmailAddresses() ([]string, error) { return s, nil }

func newTestAliasRegistry(t *testing.T, users []string) (*AliasRegistry, string, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{fail: map[string]error{}}
	path := filepath.Join(t.TempDir(), "alias_virtuales")
	reg := NewAliasRegistry(path, staticAddresses(users), NewReloaderWithRunner(runner.run))
	return reg, path, runner
}

func TestAliasCreateAndFindAll(t *testing.T) {
	reg, _, runner := newTestAliasRegistry(t, []string{"jdoe@example.tld"})

	res, err := reg.Create(Alias{Name: "postmaster@example.tld", Value: "jdoe@example.tld"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reloaded {
		t.Error("reload should have succeeded")
	}

	aliases, err := reg.FindAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 1 || aliases[0].Name != "postmaster@example.tld" {
		t.Fatalf("aliases = %+v", aliases)
	}

	// postmap on the map file, then postfix reload
	if len(runner.calls) != 2 || runner.calls[0][0] != "postmap" || runner.calls[1][0] != "postfix" {
		t.Fatalf("unexpected commands: %v", runner.calls)
	}
}

func TestAliasFileRoundTrip(t *testing.T) {
	reg, path, _ := newTestAliasRegistry(t, []string{"a@example.tld", "b@example.tld"})

	entries := []Alias{
		{Name: "x@example.tld", Value: "a@example.tld"},
		{Name: "y@example.tld", Value: "a@example.tld, b@example.tld"},
	}
	for _, e := range entries {
		if _, err := reg.Create(e); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# Listado de alias virtuales para el dominio") {
		t.Error("header block missing after rewrite")
	}

	// read -> write -> read yields the same entries
	again := parseAliases(string(data))
	if len(again) != len(entries) {
		t.Fatalf("round trip lost entries: %+v", again)
	}
	for i := range entries {
		if again[i].Name != entries[i].Name {
			t.Errorf("entry %d = %+v, want %+v", i, again[i], entries[i])
		}
	}
}

func TestAliasCreateDuplicateDoesNotTouchFile(t *testing.T) {
	reg, path, _ := newTestAliasRegistry(t, []string{"a@example.tld"})
	if _, err := reg.Create(Alias{Name: "x@example.tld", Value: "a@example.tld"}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)

	_, err := reg.Create(Alias{Name: "x@example.tld", Value: "a@example.tld"})
	var exists *AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected AlreadyExistsError, got %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("file changed on a rejected create")
	}
}

func TestAliasCreateInvalidDestination(t *testing.T) {
	reg, path, _ := newTestAliasRegistry(t, []string{"a@example.tld"})

	_, err := reg.Create(Alias{Name: "x@example.tld", Value: "ghost@example.tld"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Message, "ghost@example.tld") {
		t.Errorf("invalid destination not named in error: %s", verr.Message)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file written despite validation failure")
	}
}

func TestAliasDestinationMayBeExistingAlias(t *testing.T) {
	reg, _, _ := newTestAliasRegistry(t, []string{"a@example.tld"})
	if _, err := reg.Create(Alias{Name: "first@example.tld", Value: "a@example.tld"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(Alias{Name: "second@example.tld", Value: "first@example.tld"}); err != nil {
		t.Fatalf("alias chaining should validate: %v", err)
	}
}

func TestAliasMutationSurvivesReloadFailure(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"postmap": errors.New("exit 1")}}
	path := filepath.Join(t.TempDir(), "alias_virtuales")
	reg := NewAliasRegistry(path, staticAddresses{"a@example.tld"}, NewReloaderWithRunner(runner.run))

	res, err := reg.Create(Alias{Name: "x@example.tld", Value: "a@example.tld"})
	if err != nil {
		t.Fatalf("data mutation must succeed despite reload failure: %v", err)
	}
	if res.Reloaded {
		t.Error("reload reported success despite failing postmap")
	}
	if res.ManualCommand == "" || !strings.Contains(res.ManualCommand, "postmap") {
		t.Errorf("manual command missing: %q", res.ManualCommand)
	}
	aliases, _ := reg.FindAll()
	if len(aliases) != 1 {
		t.Fatal("entry not durable after reload failure")
	}
}

func TestAliasUpdateAndDelete(t *testing.T) {
	reg, _, _ := newTestAliasRegistry(t, []string{"a@example.tld", "b@example.tld"})
	if _, err := reg.Create(Alias{Name: "x@example.tld", Value: "a@example.tld"}); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Update("x@example.tld", "b@example.tld"); err != nil {
		t.Fatal(err)
	}
	a, err := reg.Find("x@example.tld")
	if err != nil || a.Value != "b@example.tld" {
		t.Fatalf("updated alias = %+v, err %v", a, err)
	}

	if _, err := reg.Delete("x@example.tld"); err != nil {
		t.Fatal(err)
	}
	var nf *NotFoundError
	if _, err := reg.Delete("x@example.tld"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestBlacklistValidator(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"user@example.com", true},
		{"@example.com", true},
		{"@*.example.com", true},
		{"not-an-email", false},
		{"@nodot", false},
	}
	for _, c := range cases {
		if got := ValidBlacklistTarget(c.in); got != c.valid {
			t.Errorf("ValidBlacklistTarget(%q) = %v, want %v", c.in, got, c.valid)
		}
	}
}

func TestBlacklistCreateRejectsBadActionAndCode(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{}}
	reg := NewBlacklistRegistry(filepath.Join(t.TempDir(), "lista_negra"), NewReloaderWithRunner(runner.run))

	var verr *ValidationError
	_, err := reg.Create(BlacklistEntry{Email: "spam@example.com", Action: "BOUNCE", Code: "511", Message: "no"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for action, got %v", err)
	}
	_, err = reg.Create(BlacklistEntry{Email: "spam@example.com", Action: "REJECT", Code: "5xx", Message: "no"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for code, got %v", err)
	}
}

func TestBlacklistDefaultsAndColumns(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{}}
	path := filepath.Join(t.TempDir(), "lista_negra")
	reg := NewBlacklistRegistry(path, NewReloaderWithRunner(runner.run))

	if _, err := reg.Create(BlacklistEntry{Email: "spam@example.com", Message: "spam source"}); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	want := pad("spam@example.com", 40) + pad("REJECT", 8) + pad("511", 4) + "spam source\n"
	if !strings.Contains(string(data), want) {
		t.Errorf("fixed-width line not found in:\n%s", data)
	}

	entries, err := reg.FindAll()
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %+v, err %v", entries, err)
	}
	if e := entries[0]; e.Action != "REJECT" || e.Code != "511" || e.Message != "spam source" {
		t.Errorf("parsed entry = %+v", e)
	}
}

func TestBlacklistDeleteNotFound(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{}}
	reg := NewBlacklistRegistry(filepath.Join(t.TempDir(), "lista_negra"), NewReloaderWithRunner(runner.run))
	var nf *NotFoundError
	if _, err := reg.Delete("ghost@example.com"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestTransportCrud(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{}}
	path := filepath.Join(t.TempDir(), "transport")
	reg := NewTransportRegistry(path, NewReloaderWithRunner(runner.run))

	if _, err := reg.Create(TransportRule{Pattern: "example.com", Destination: "smtp:[relay.example.com]:25"}); err != nil {
		t.Fatal(err)
	}

	var exists *AlreadyExistsError
	if _, err := reg.Create(TransportRule{Pattern: "example.com", Destination: "smtp:other"}); !errors.As(err, &exists) {
		t.Fatalf("expected AlreadyExistsError, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "example.com\tsmtp:[relay.example.com]:25\n") {
		t.Errorf("tab-separated rule not found in:\n%s", data)
	}

	if _, err := reg.Update("example.com", "smtp:[backup.example.com]:25"); err != nil {
		t.Fatal(err)
	}
	rule, err := reg.Find("example.com")
	if err != nil || rule.Destination != "smtp:[backup.example.com]:25" {
		t.Fatalf("rule = %+v, err %v", rule, err)
	}

	if _, err := reg.Delete("example.com"); err != nil {
		t.Fatal(err)
	}
	rules, _ := reg.FindAll()
	if len(rules) != 0 {
		t.Fatalf("rules after delete = %+v", rules)
	}
}
