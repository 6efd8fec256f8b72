package accounts

import (
	"fmt"
	"strings"

	"github.com/mailad/mailadmin/internal/directory"
	"github.com/rs/zerolog/log"
)

// globalSecurityGroup is the AD groupType value for a global security group.
const globalSecurityGroup = "-2147483646"

var groupAttributes = []string{
	directory.AttrAccountName,
	directory.AttrDN,
	directory.AttrCN,
	directory.AttrMail,
	directory.AttrDisplayName,
}

// Member is a resolved group member.
type Member struct {
	DN       string `json:"dn"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// List is a mailing list backed by a directory group with a mail attribute.
type List struct {
	Name        string   `json:"name"`
	CN          string   `json:"cn"`
	Mail        string   `json:"mail"`
	DisplayName string   `json:"displayName"`
	DN          string   `json:"distinguishedName"`
	Members     []Member `json:"members"`
	MemberCount int      `json:"memberCount"`
}

// NewList carries the fields for a list create.
type NewList struct {
	Name        string `json:"name"`
	Mail        string `json:"mail"`
	DisplayName string `json:"displayName"`
}

// MemberResult is the per-identifier outcome of a batch membership change.
type MemberResult struct {
	Identifier string `json:"identifier"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// BatchResult aggregates a batch membership change. Membership edits are
// idempotent and independent, so partial success is reported instead of
// rolled back; the operation as a whole fails only when nothing succeeded.
type BatchResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []MemberResult `json:"results"`
}

// ListRepo implements mailing list CRUD and membership management against the
// directory.
type ListRepo struct {
	dir    Directory
	baseDN string
}

// NewListRepo builds a mailing list repository over dir scoped to baseDN.
func NewListRepo(dir Directory, baseDN string) *ListRepo {
	return &ListRepo{dir: dir, baseDN: baseDN}
}

func memberFromEntry(e directory.Entry) Member {
	name := e.CN
	if name == "" {
		name = e.DisplayName
	}
	if name == "" {
		name = e.AccountName
	}
	return Member{DN: e.DN, Name: name, Email: e.Mail, Username: e.AccountName}
}

func (r *ListRepo) listFromEntry(e directory.Entry) List {
	l := List{
		Name:        e.AccountName,
		CN:          e.CN,
		Mail:        e.Mail,
		DisplayName: e.DisplayName,
		DN:          e.DN,
		Members:     []Member{},
	}
	members, err := r.dir.GetMembers(e.DN)
	if err != nil {
		// A list whose members cannot be resolved is still shown, empty.
		log.Error().Err(err).Str("list", e.AccountName).Msg("Could not resolve list members")
		return l
	}
	for _, m := range members {
		l.Members = append(l.Members, memberFromEntry(m))
	}
	l.MemberCount = len(l.Members)
	return l
}

// All returns every mail-enabled group with members resolved. One extra
// member-lookup round trip per group, accepted at admin-console traffic.
func (r *ListRepo) All() ([]List, error) {
	entries, err := r.dir.Search(directory.SearchRequest{
		BaseDN:     r.baseDN,
		Scope:      directory.ScopeSub,
		Filter:     "(&(objectClass=group)(mail=*))",
		Attributes: groupAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailing lists: %w", err)
	}
	lists := make([]List, 0, len(entries))
	for _, e := range entries {
		lists = append(lists, r.listFromEntry(e))
	}
	return lists, nil
}

// Find resolves a list by exact group name, members included. Ambiguous
// matches are an error, same policy as UserRepo.Find.
func (r *ListRepo) Find(name string) (List, error) {
	entries, err := r.dir.Search(directory.SearchRequest{
		BaseDN: r.baseDN,
		Scope:  directory.ScopeSub,
		Filter: fmt.Sprintf("(&(objectClass=group)(%s=%s))",
			directory.AttrAccountName, directory.EscapeFilter(name)),
		Attributes: groupAttributes,
	})
	if err != nil {
		return List{}, fmt.Errorf("finding list %q: %w", name, err)
	}
	switch len(entries) {
	case 0:
		return List{}, fmt.Errorf("mailing list %q: %w", name,
			&directory.Error{Kind: directory.KindNotFound, Op: "search"})
	case 1:
		return r.listFromEntry(entries[0]), nil
	default:
		return List{}, fmt.Errorf("mailing list %q matches %d entries: %w", name, len(entries),
			&directory.Error{Kind: directory.KindAmbiguous, Op: "search"})
	}
}

// Create adds a new group entry for the list.
func (r *ListRepo) Create(nl NewList) (List, error) {
	nl.Name = strings.TrimSpace(nl.Name)
	nl.Mail = strings.TrimSpace(nl.Mail)
	nl.DisplayName = strings.TrimSpace(nl.DisplayName)

	if nl.Name == "" || nl.Mail == "" {
		return List{}, validationf("name and mail are required")
	}
	if !validEmail(nl.Mail) {
		return List{}, validationf("invalid list address: %s", nl.Mail)
	}
	if nl.DisplayName == "" {
		nl.DisplayName = nl.Name
	}

	dn := fmt.Sprintf("cn=%s,%s", nl.Name, r.baseDN)
	attrs := []directory.Attribute{
		{Name: directory.AttrCN, Values: []string{nl.Name}},
		{Name: directory.AttrAccountName, Values: []string{nl.Name}},
		{Name: directory.AttrMail, Values: []string{nl.Mail}},
		{Name: directory.AttrDisplayName, Values: []string{nl.DisplayName}},
		{Name: directory.AttrObjectClass, Values: []string{"top", "group"}},
		{Name: directory.AttrGroupType, Values: []string{globalSecurityGroup}},
	}

	if err := r.dir.Add(dn, attrs); err != nil {
		switch directory.KindOf(err) {
		case directory.KindAlreadyExists:
			return List{}, fmt.Errorf("mailing list %q already exists in the directory: %w", nl.Name, err)
		case directory.KindPermissionDenied:
			return List{}, fmt.Errorf("insufficient permissions to create mailing lists: %w", err)
		case directory.KindInvalidScope:
			return List{}, fmt.Errorf("organizational unit does not exist: %s: %w", r.baseDN, err)
		}
		return List{}, fmt.Errorf("creating mailing list %q: %w", nl.Name, err)
	}

	log.Info().Str("list", nl.Name).Str("dn", dn).Msg("Mailing list created")
	return List{Name: nl.Name, CN: nl.Name, Mail: nl.Mail, DisplayName: nl.DisplayName, DN: dn, Members: []Member{}}, nil
}

// resolveMemberDN turns an identifier into a member DN. Identifiers that
// already look like a DN are used as-is; anything else is treated as a mail
// address and looked up.
func (r *ListRepo) resolveMemberDN(identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	upper := strings.ToUpper(identifier)
	if strings.Contains(upper, "DC=") || strings.Contains(upper, "CN=") {
		return identifier, nil
	}
	entries, err := r.dir.Search(directory.SearchRequest{
		BaseDN: r.baseDN,
		Scope:  directory.ScopeSub,
		Filter: fmt.Sprintf("(&(objectClass=user)(%s=%s))",
			directory.AttrMail, directory.EscapeFilter(identifier)),
		Attributes: []string{directory.AttrDN, directory.AttrMail, directory.AttrAccountName},
	})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 || entries[0].DN == "" {
		return "", fmt.Errorf("no user with address %q", identifier)
	}
	return entries[0].DN, nil
}

func (r *ListRepo) changeMembers(name string, identifiers []string, add bool) (BatchResult, error) {
	list, err := r.Find(name)
	if err != nil {
		return BatchResult{}, err
	}
	res := BatchResult{Results: make([]MemberResult, 0, len(identifiers))}
	if len(identifiers) == 0 {
		return res, nil
	}

	for _, id := range identifiers {
		outcome := MemberResult{Identifier: id}
		dn, err := r.resolveMemberDN(id)
		if err == nil {
			if add {
				err = r.dir.AddValue(list.DN, directory.AttrMember, dn)
			} else {
				err = r.dir.RemoveValue(list.DN, directory.AttrMember, dn)
			}
		}
		if err != nil {
			outcome.Error = err.Error()
			res.Failed++
			log.Warn().Str("list", name).Str("member", id).Err(err).Msg("Membership change failed")
		} else {
			outcome.OK = true
			res.Succeeded++
		}
		res.Results = append(res.Results, outcome)
	}

	if res.Succeeded == 0 && res.Failed > 0 {
		return res, fmt.Errorf("no membership change applied to list %q", name)
	}
	return res, nil
}

// AddMembers attaches each identifier (DN or mail address) to the list,
// independently per item.
func (r *ListRepo) AddMembers(name string, identifiers []string) (BatchResult, error) {
	return r.changeMembers(name, identifiers, true)
}

// RemoveMembers detaches each identifier from the list, independently per
// item.
func (r *ListRepo) RemoveMembers(name string, identifiers []string) (BatchResult, error) {
	return r.changeMembers(name, identifiers, false)
}

// DeleteResult reports a list delete, including the detachment phase that
// precedes the group removal.
type DeleteResult struct {
	Detached    int            `json:"detached"`
	DetachFails []MemberResult `json:"detachFailures,omitempty"`
}

// Delete removes a mailing list. The directory forbids deleting a non-leaf
// entry, so all members are detached first. Detachment is best-effort: even
// if some detachments fail the group delete is still attempted, because
// manual intervention is already the fallback path on any failure here.
func (r *ListRepo) Delete(name string) (DeleteResult, error) {
	list, err := r.Find(name)
	if err != nil {
		return DeleteResult{}, err
	}

	var res DeleteResult
	if list.MemberCount > 0 {
		dns := make([]string, 0, list.MemberCount)
		for _, m := range list.Members {
			dns = append(dns, m.DN)
		}
		batch, err := r.RemoveMembers(name, dns)
		res.Detached = batch.Succeeded
		for _, item := range batch.Results {
			if !item.OK {
				res.DetachFails = append(res.DetachFails, item)
			}
		}
		if err != nil {
			log.Warn().Str("list", name).Int("members", list.MemberCount).
				Msg("Member detachment failed, attempting group delete anyway")
		}
	}

	if err := r.dir.Remove(list.DN); err != nil {
		switch directory.KindOf(err) {
		case directory.KindNotFound:
			return res, fmt.Errorf("mailing list %q does not exist: %w", name, err)
		case directory.KindPermissionDenied:
			return res, fmt.Errorf("insufficient permissions to delete mailing lists: %w", err)
		case directory.KindNotLeaf:
			return res, fmt.Errorf("mailing list %q still has members: %w", name, err)
		}
		return res, fmt.Errorf("deleting mailing list %q: %w", name, err)
	}

	log.Info().Str("list", name).Int("detached", res.Detached).Msg("Mailing list deleted")
	return res, nil
}

// Count returns the number of mailing lists.
func (r *ListRepo) Count() (int, error) {
	lists, err := r.All()
	if err != nil {
		return 0, err
	}
	return len(lists), nil
}
