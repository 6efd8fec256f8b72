package accounts

import (
	"errors"
	"strings"
	"testing"

	"github.com/mailad/mailadmin/internal/directory"
)

// fakeDir records every call and serves canned search results keyed by a
// substring of the filter.
type fakeDir struct {
	searches  []directory.SearchRequest
	adds      []string // DNs
	addAttrs  map[string][]directory.Attribute
	setCalls  []string
	valueOps  []string // "add dn attr value" / "remove dn attr value"
	removed   []string
	results   map[string][]directory.Entry // filter substring -> entries
	members   map[string][]directory.Entry
	failValue error // returned by AddValue/RemoveValue when set
	failAdd   error
	failRm    error
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		addAttrs: map[string][]directory.Attribute{},
		results:  map[string][]directory.Entry{},
		members:  map[string][]directory.Entry{},
	}
}

func (f *fakeDir) Search(req directory.SearchRequest) ([]directory.Entry, error) {
	f.searches = append(f.searches, req)
	for key, entries := range f.results {
		if strings.Contains(req.Filter, key) {
			return entries, nil
		}
	}
	return nil, nil
}

func (f *fakeDir) Add(dn string, attrs []directory.Attribute) error {
	if f.failAdd != nil {
		return f.failAdd
	}
	f.adds = append(f.adds, dn)
	f.addAttrs[dn] = attrs
	return nil
}

func (f *fakeDir) SetAttributes(dn string, attrs map[string][]string) error {
	f.setCalls = append(f.setCalls, dn)
	return nil
}

func (f *fakeDir) SetAttribute(dn, name string, values ...string) error {
	f.setCalls = append(f.setCalls, dn+" "+name)
	return nil
}

func (f *fakeDir) AddValue(dn, attr, value string) error {
	if f.failValue != nil {
		return f.failValue
	}
	f.valueOps = append(f.valueOps, "add "+dn+" "+attr+" "+value)
	return nil
}

func (f *fakeDir) RemoveValue(dn, attr, value string) error {
	if f.failValue != nil {
		return f.failValue
	}
	f.valueOps = append(f.valueOps, "remove "+dn+" "+attr+" "+value)
	return nil
}

func (f *fakeDir) Remove(dn string) error {
	if f.failRm != nil {
		return f.failRm
	}
	f.removed = append(f.removed, dn)
	return nil
}

func (f *fakeDir) GetMembers(groupDN string) ([]directory.Entry, error) {
	return f.members[groupDN], nil
}

const testBase = "ou=MAILAD,dc=example,dc=tld"

func attrValue(attrs []directory.Attribute, name string) string {
	for _, a := range attrs {
		if a.Name == name && len(a.Values) > 0 {
			return a.Values[0]
		}
	}
	return ""
}

func TestCreateUserShortPasswordNeverReachesDirectory(t *testing.T) {
	dir := newFakeDir()
	repo := NewUserRepo(dir, testBase, "example.tld")

	_, err := repo.Create(NewUser{
		Username: "jdoe", Password: "short", Email: "jdoe@example.tld", DisplayName: "John Doe",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(dir.adds) != 0 || len(dir.searches) != 0 {
		t.Fatalf("directory was contacted despite validation failure: adds=%d searches=%d",
			len(dir.adds), len(dir.searches))
	}
}

func TestCreateUserAttributes(t *testing.T) {
	dir := newFakeDir()
	repo := NewUserRepo(dir, testBase, "example.tld")

	u, err := repo.Create(NewUser{
		Username: "jdoe", Password: "longenough", Email: "jdoe@example.tld", DisplayName: "John Doe",
	})
	if err != nil {
		t.Fatal(err)
	}
	wantDN := "cn=jdoe," + testBase
	if u.DN != wantDN {
		t.Errorf("DN = %q, want %q", u.DN, wantDN)
	}
	attrs := dir.addAttrs[wantDN]
	if got := attrValue(attrs, directory.AttrAccountControl); got != "512" {
		t.Errorf("userAccountControl = %q, want 512", got)
	}
	if got := attrValue(attrs, directory.AttrPrincipalName); got != "jdoe@example.tld" {
		t.Errorf("userPrincipalName = %q", got)
	}
	if got := attrValue(attrs, directory.AttrUnicodePwd); !strings.Contains(got, "\x00") {
		t.Errorf("unicodePwd not UTF-16 encoded: %q", got)
	}
	if !u.IsActive {
		t.Error("created user should be active")
	}
}

func TestFindUserAmbiguous(t *testing.T) {
	dir := newFakeDir()
	dir.results["jdoe"] = []directory.Entry{
		{DN: "cn=jdoe,ou=a," + testBase, AccountName: "jdoe"},
		{DN: "cn=jdoe,ou=b," + testBase, AccountName: "jdoe"},
	}
	repo := NewUserRepo(dir, testBase, "example.tld")

	_, err := repo.Find("jdoe")
	if directory.KindOf(err) != directory.KindAmbiguous {
		t.Fatalf("expected KindAmbiguous, got %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	repo := NewUserRepo(newFakeDir(), testBase, "example.tld")
	_, err := repo.Find("ghost")
	if !directory.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestFindUserEscapesFilter(t *testing.T) {
	dir := newFakeDir()
	repo := NewUserRepo(dir, testBase, "example.tld")

	repo.Find("a*)(mail=*")
	if len(dir.searches) != 1 {
		t.Fatalf("searches = %d", len(dir.searches))
	}
	if strings.Contains(dir.searches[0].Filter, "a*)") {
		t.Errorf("filter injection not escaped: %s", dir.searches[0].Filter)
	}
}

func TestUpdateUserPartialSuccess(t *testing.T) {
	dir := newFakeDir()
	dir.results["jdoe"] = []directory.Entry{{DN: "cn=jdoe," + testBase, AccountName: "jdoe"}}
	repo := NewUserRepo(dir, testBase, "example.tld")

	res, err := repo.Update("jdoe", UserUpdate{Email: "new@example.tld", Password: "short"})
	if err != nil {
		t.Fatalf("update should succeed when one phase applied: %v", err)
	}
	if !res.AttributesApplied {
		t.Error("attribute phase should have applied")
	}
	if res.PasswordChanged || res.PasswordError == "" {
		t.Errorf("password phase should have failed with a message, got %+v", res)
	}
}

func TestUpdateUserNothingToDo(t *testing.T) {
	dir := newFakeDir()
	dir.results["jdoe"] = []directory.Entry{{DN: "cn=jdoe," + testBase, AccountName: "jdoe"}}
	repo := NewUserRepo(dir, testBase, "example.tld")

	_, err := repo.Update("jdoe", UserUpdate{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDeleteUserResolvesFreshDN(t *testing.T) {
	dir := newFakeDir()
	dn := "cn=jdoe,ou=moved," + testBase
	dir.results["jdoe"] = []directory.Entry{{DN: dn, AccountName: "jdoe"}}
	repo := NewUserRepo(dir, testBase, "example.tld")

	if err := repo.Delete("jdoe"); err != nil {
		t.Fatal(err)
	}
	if len(dir.removed) != 1 || dir.removed[0] != dn {
		t.Fatalf("removed = %v, want [%s]", dir.removed, dn)
	}
}

func TestCreateListAttributes(t *testing.T) {
	dir := newFakeDir()
	repo := NewListRepo(dir, testBase)

	l, err := repo.Create(NewList{Name: "staff", Mail: "staff@example.tld"})
	if err != nil {
		t.Fatal(err)
	}
	attrs := dir.addAttrs[l.DN]
	if got := attrValue(attrs, directory.AttrGroupType); got != "-2147483646" {
		t.Errorf("groupType = %q", got)
	}
	if l.DisplayName != "staff" {
		t.Errorf("displayName default = %q, want the list name", l.DisplayName)
	}
}

func TestAddMembersPartialFailureReported(t *testing.T) {
	dir := newFakeDir()
	listDN := "cn=staff," + testBase
	dir.results["staff"] = []directory.Entry{{DN: listDN, AccountName: "staff"}}
	dir.results["jdoe@example.tld"] = []directory.Entry{{DN: "cn=jdoe," + testBase, Mail: "jdoe@example.tld"}}
	repo := NewListRepo(dir, testBase)

	res, err := repo.AddMembers("staff", []string{"jdoe@example.tld", "nobody@example.tld"})
	if err != nil {
		t.Fatalf("batch with one success should not error: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 1/1", res.Succeeded, res.Failed)
	}
	if res.Results[1].Error == "" {
		t.Error("failed item should carry an error message")
	}
}

func TestAddMembersAllFailedIsError(t *testing.T) {
	dir := newFakeDir()
	dir.results["staff"] = []directory.Entry{{DN: "cn=staff," + testBase, AccountName: "staff"}}
	repo := NewListRepo(dir, testBase)

	_, err := repo.AddMembers("staff", []string{"nobody@example.tld"})
	if err == nil {
		t.Fatal("expected error when no membership change applied")
	}
}

func TestAddMembersAcceptsDN(t *testing.T) {
	dir := newFakeDir()
	listDN := "cn=staff," + testBase
	dir.results["staff"] = []directory.Entry{{DN: listDN, AccountName: "staff"}}
	repo := NewListRepo(dir, testBase)

	memberDN := "CN=jdoe,OU=MAILAD,DC=example,DC=tld"
	res, err := repo.AddMembers("staff", []string{memberDN})
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("DN identifier should be used without lookup: %v %+v", err, res)
	}
	if len(dir.searches) != 1 { // only the list Find
		t.Errorf("DN identifier triggered a lookup: %d searches", len(dir.searches))
	}
}

func TestDeleteListDetachesMembersFirst(t *testing.T) {
	dir := newFakeDir()
	listDN := "cn=staff," + testBase
	dir.results["staff"] = []directory.Entry{{DN: listDN, AccountName: "staff"}}
	dir.members[listDN] = []directory.Entry{
		{DN: "cn=a," + testBase}, {DN: "cn=b," + testBase},
	}
	repo := NewListRepo(dir, testBase)

	res, err := repo.Delete("staff")
	if err != nil {
		t.Fatal(err)
	}
	if res.Detached != 2 {
		t.Errorf("detached = %d, want 2", res.Detached)
	}
	detaches := 0
	for _, op := range dir.valueOps {
		if strings.HasPrefix(op, "remove "+listDN+" "+directory.AttrMember) {
			detaches++
		}
	}
	if detaches != 2 {
		t.Errorf("member detach ops = %d, want 2", detaches)
	}
	if len(dir.removed) != 1 || dir.removed[0] != listDN {
		t.Errorf("group not removed: %v", dir.removed)
	}
}

func TestDeleteListAttemptsRemovalDespiteDetachFailures(t *testing.T) {
	dir := newFakeDir()
	listDN := "cn=staff," + testBase
	dir.results["staff"] = []directory.Entry{{DN: listDN, AccountName: "staff"}}
	dir.members[listDN] = []directory.Entry{{DN: "cn=a," + testBase}}
	dir.failValue = errors.New("busy")
	repo := NewListRepo(dir, testBase)

	res, err := repo.Delete("staff")
	if err != nil {
		t.Fatalf("delete should still run after detach failures: %v", err)
	}
	if len(res.DetachFails) != 1 {
		t.Errorf("detach failures = %d, want 1", len(res.DetachFails))
	}
	if len(dir.removed) != 1 {
		t.Error("group removal was not attempted")
	}
}

func TestEncodePassword(t *testing.T) {
	got, err := encodePassword("ab")
	if err != nil {
		t.Fatal(err)
	}
	// UTF-16LE of `"ab"`
	want := "\"\x00a\x00b\x00\"\x00"
	if got != want {
		t.Errorf("encoded = %q, want %q", got, want)
	}
}
