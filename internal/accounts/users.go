package accounts

import (
	"fmt"
	"strings"

	"github.com/mailad/mailadmin/internal/directory"
	"github.com/rs/zerolog/log"
)

// accountDisabled is the userAccountControl bit marking a disabled account.
const accountDisabled = 2

// normalAccount is the userAccountControl value for an enabled regular user.
const normalAccount = "512"

// MinPasswordLength is the minimum accepted password length for mail users.
const MinPasswordLength = 8

var userAttributes = []string{
	directory.AttrAccountName,
	directory.AttrDN,
	directory.AttrCN,
	directory.AttrMail,
	directory.AttrDisplayName,
	directory.AttrAccountControl,
}

// User is a typed view over a directory entry with objectClass=user.
type User struct {
	Username       string `json:"username"`
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	DN             string `json:"distinguishedName"`
	AccountControl int    `json:"userAccountControl"`
	IsActive       bool   `json:"isActive"`
}

// NewUser carries the fields for a user create. All four are required.
type NewUser struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// UserUpdate carries a partial update. Empty fields mean "no change", never
// "clear".
type UserUpdate struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// UpdateResult reports the two update phases independently: the attribute
// merge and the password change are separate directory writes and either can
// fail without rolling back the other.
type UpdateResult struct {
	Username          string `json:"username"`
	AttributesApplied bool   `json:"attributesApplied"`
	AttributeError    string `json:"attributeError,omitempty"`
	PasswordChanged   bool   `json:"passwordChanged"`
	PasswordError     string `json:"passwordError,omitempty"`
}

// UserRepo implements user CRUD against the directory.
type UserRepo struct {
	dir    Directory
	baseDN string
	domain string // mail domain for userPrincipalName
}

// NewUserRepo builds a user repository over dir scoped to baseDN.
func NewUserRepo(dir Directory, baseDN, domain string) *UserRepo {
	return &UserRepo{dir: dir, baseDN: baseDN, domain: domain}
}

func userFromEntry(e directory.Entry) User {
	return User{
		Username:       e.AccountName,
		Email:          e.Mail,
		DisplayName:    e.DisplayName,
		DN:             e.DN,
		AccountControl: e.AccountControl,
		IsActive:       e.AccountControl&accountDisabled == 0,
	}
}

// List returns every mail-enabled user under the base scope. No pagination:
// the admin population is small.
func (r *UserRepo) List() ([]User, error) {
	entries, err := r.dir.Search(directory.SearchRequest{
		BaseDN:     r.baseDN,
		Scope:      directory.ScopeSub,
		Filter:     "(&(objectClass=user)(mail=*))",
		Attributes: userAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]User, 0, len(entries))
	for _, e := range entries {
		users = append(users, userFromEntry(e))
	}
	return users, nil
}

// EmailAddresses returns the mail address of every user. Alias destination
// validation consumes this.
func (r *UserRepo) EmailAddresses() ([]string, error) {
	users, err := r.List()
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email != "" {
			addrs = append(addrs, u.Email)
		}
	}
	return addrs, nil
}

// Find resolves a user by exact account name. The DN in the result is fresh
// from the directory and valid only for the current request; it is never
// cached. More than one match is an error: a mutation resolved through an
// ambiguous key could target the wrong entry.
func (r *UserRepo) Find(username string) (User, error) {
	entries, err := r.dir.Search(directory.SearchRequest{
		BaseDN: r.baseDN,
		Scope:  directory.ScopeSub,
		Filter: fmt.Sprintf("(&(objectClass=user)(%s=%s))",
			directory.AttrAccountName, directory.EscapeFilter(username)),
		Attributes: userAttributes,
	})
	if err != nil {
		return User{}, fmt.Errorf("finding user %q: %w", username, err)
	}
	switch len(entries) {
	case 0:
		return User{}, fmt.Errorf("user %q: %w", username,
			&directory.Error{Kind: directory.KindNotFound, Op: "search"})
	case 1:
		return userFromEntry(entries[0]), nil
	default:
		return User{}, fmt.Errorf("user %q matches %d entries: %w", username, len(entries),
			&directory.Error{Kind: directory.KindAmbiguous, Op: "search"})
	}
}

// Create validates the input and adds the user entry, with the password
// attached in AD transport encoding. Validation failures never reach the
// directory.
func (r *UserRepo) Create(nu NewUser) (User, error) {
	nu.Username = strings.TrimSpace(nu.Username)
	nu.Email = strings.TrimSpace(nu.Email)
	nu.DisplayName = strings.TrimSpace(nu.DisplayName)

	if nu.Username == "" || nu.Password == "" || nu.Email == "" || nu.DisplayName == "" {
		return User{}, validationf("username, password, email and displayName are all required")
	}
	if len(nu.Password) < MinPasswordLength {
		return User{}, validationf("password must be at least %d characters", MinPasswordLength)
	}
	if !validEmail(nu.Email) {
		return User{}, validationf("invalid email address: %s", nu.Email)
	}

	pwd, err := encodePassword(nu.Password)
	if err != nil {
		return User{}, err
	}

	dn := fmt.Sprintf("cn=%s,%s", nu.Username, r.baseDN)
	attrs := []directory.Attribute{
		{Name: directory.AttrCN, Values: []string{nu.Username}},
		{Name: directory.AttrAccountName, Values: []string{nu.Username}},
		{Name: directory.AttrPrincipalName, Values: []string{nu.Username + "@" + r.domain}},
		{Name: directory.AttrMail, Values: []string{nu.Email}},
		{Name: directory.AttrDisplayName, Values: []string{nu.DisplayName}},
		{Name: directory.AttrObjectClass, Values: []string{"top", "person", "organizationalPerson", "user"}},
		{Name: directory.AttrAccountControl, Values: []string{normalAccount}},
		{Name: directory.AttrUnicodePwd, Values: []string{pwd}},
	}

	if err := r.dir.Add(dn, attrs); err != nil {
		switch directory.KindOf(err) {
		case directory.KindAlreadyExists:
			return User{}, fmt.Errorf("user %q already exists in the directory: %w", nu.Username, err)
		case directory.KindPermissionDenied:
			return User{}, fmt.Errorf("insufficient permissions to create users: %w", err)
		case directory.KindInvalidScope:
			return User{}, fmt.Errorf("organizational unit does not exist: %s: %w", r.baseDN, err)
		case directory.KindConstraint:
			return User{}, fmt.Errorf("password rejected by directory complexity policy: %w", err)
		}
		return User{}, fmt.Errorf("creating user %q: %w", nu.Username, err)
	}

	log.Info().Str("username", nu.Username).Str("dn", dn).Msg("User created")
	return User{Username: nu.Username, Email: nu.Email, DisplayName: nu.DisplayName, DN: dn, IsActive: true}, nil
}

// Update applies a partial update in two phases: a single attribute-merge
// write, then the password as an isolated unicodePwd replace. Neither phase is
// rolled back when the other fails; the result reports both outcomes. An
// error is returned only when nothing could be applied.
func (r *UserRepo) Update(username string, upd UserUpdate) (UpdateResult, error) {
	user, err := r.Find(username)
	if err != nil {
		return UpdateResult{}, err
	}

	res := UpdateResult{Username: username}

	attrs := map[string][]string{}
	if v := strings.TrimSpace(upd.Email); v != "" {
		if !validEmail(v) {
			return res, validationf("invalid email address: %s", v)
		}
		attrs[directory.AttrMail] = []string{v}
	}
	if v := strings.TrimSpace(upd.DisplayName); v != "" {
		attrs[directory.AttrDisplayName] = []string{v}
	}
	if v := strings.TrimSpace(upd.Username); v != "" && v != username {
		// Renaming the account key affects logins and group membership
		// resolution; logged so the audit trail can be correlated.
		log.Warn().Str("from", username).Str("to", v).Msg("Sensitive operation: account rename")
		attrs[directory.AttrAccountName] = []string{v}
		res.Username = v
	}

	attempted := 0
	if len(attrs) > 0 {
		attempted++
		if err := r.dir.SetAttributes(user.DN, attrs); err != nil {
			res.AttributeError = updateErrorMessage(err)
			log.Error().Err(err).Str("username", username).Msg("Attribute update failed")
		} else {
			res.AttributesApplied = true
		}
	}

	if p := upd.Password; strings.TrimSpace(p) != "" {
		attempted++
		if len(p) < MinPasswordLength {
			res.PasswordError = fmt.Sprintf("password must be at least %d characters", MinPasswordLength)
		} else if pwd, err := encodePassword(p); err != nil {
			res.PasswordError = err.Error()
		} else if err := r.dir.SetAttribute(user.DN, directory.AttrUnicodePwd, pwd); err != nil {
			res.PasswordError = updateErrorMessage(err)
			log.Error().Err(err).Str("username", username).Msg("Password update failed")
		} else {
			res.PasswordChanged = true
		}
	}

	if attempted == 0 {
		return res, validationf("nothing to update")
	}
	if !res.AttributesApplied && !res.PasswordChanged {
		return res, fmt.Errorf("updating user %q: no phase succeeded", username)
	}
	return res, nil
}

func updateErrorMessage(err error) string {
	switch directory.KindOf(err) {
	case directory.KindConstraint:
		return "value rejected by directory policy (password complexity or attribute constraint)"
	case directory.KindAlreadyExists:
		return "the requested account name is already taken"
	case directory.KindNotFound:
		return "user no longer exists in the directory"
	case directory.KindPermissionDenied:
		return "insufficient permissions"
	}
	return err.Error()
}

// Delete resolves the user's current DN and removes the entry.
func (r *UserRepo) Delete(username string) error {
	user, err := r.Find(username)
	if err != nil {
		return err
	}
	if err := r.dir.Remove(user.DN); err != nil {
		if directory.IsNotFound(err) {
			return fmt.Errorf("user %q not found in the directory: %w", username, err)
		}
		return fmt.Errorf("deleting user %q: %w", username, err)
	}
	log.Info().Str("username", username).Msg("User deleted")
	return nil
}

// Count returns the number of mail-enabled users.
func (r *UserRepo) Count() (int, error) {
	users, err := r.List()
	if err != nil {
		return 0, err
	}
	return len(users), nil
}
