package directory

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"
)

// Search scopes accepted by SearchRequest.
const (
	ScopeBase = "base"
	ScopeOne  = "one"
	ScopeSub  = "sub"
)

// Config holds the connection settings for the directory server.
type Config struct {
	URL          string // ldap://host:389 or ldaps://host:636
	BindDN       string
	BindPassword string
	BaseDN       string
	Timeout      time.Duration
	InsecureTLS  bool
}

// SearchRequest describes a directory search.
type SearchRequest struct {
	BaseDN     string
	Scope      string // base, one or sub
	Filter     string
	Attributes []string
}

// Client is a thin connection wrapper over the LDAP server. It holds a single
// bound connection and redials transparently when the server drops it. Every
// call is a live round trip; nothing is cached at this layer.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *ldap.Conn
}

// Open dials and binds a new directory client. The caller owns the lifecycle:
// open at process start, Close at shutdown.
func Open(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{cfg: cfg}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	log.Info().Str("url", cfg.URL).Str("baseDN", cfg.BaseDN).Msg("Connected to directory")
	return c, nil
}

func (c *Client) dial() (*ldap.Conn, error) {
	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.Timeout}),
	}
	if c.cfg.InsecureTLS {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	conn, err := ldap.DialURL(c.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory dial %s: %w", c.cfg.URL, err)
	}
	conn.SetTimeout(c.cfg.Timeout)
	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, translate("bind", err, false)
	}
	return conn, nil
}

// get returns the live connection, redialing if the previous one is gone.
func (c *Client) get() (*ldap.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosing() {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		log.Warn().Msg("Directory connection re-established")
		c.conn = conn
	}
	return c.conn, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// BaseDN returns the configured search base.
func (c *Client) BaseDN() string { return c.cfg.BaseDN }

func ldapScope(s string) int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOne:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// EscapeFilter escapes a value for safe interpolation into a search filter.
func EscapeFilter(value string) string {
	return ldap.EscapeFilter(value)
}

// Search runs a directory search and decodes the matching entries.
func (c *Client) Search(req SearchRequest) ([]Entry, error) {
	conn, err := c.get()
	if err != nil {
		return nil, err
	}
	res, err := conn.Search(ldap.NewSearchRequest(
		req.BaseDN,
		ldapScope(req.Scope),
		ldap.NeverDerefAliases, 0, 0, false,
		req.Filter,
		req.Attributes,
		nil,
	))
	if err != nil {
		return nil, translate("search", err, false)
	}
	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, decodeEntry(e))
	}
	return entries, nil
}

// Add creates a new entry at dn.
func (c *Client) Add(dn string, attrs []Attribute) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	req := ldap.NewAddRequest(dn, nil)
	for _, a := range attrs {
		req.Attribute(a.Name, a.Values)
	}
	return translate("add", conn.Add(req), true)
}

// SetAttributes replaces the given attributes on dn in a single modify
// operation. It is a partial merge: attributes not named are untouched.
func (c *Client) SetAttributes(dn string, attrs map[string][]string) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	for name, values := range attrs {
		req.Replace(name, values)
	}
	return translate("modify", conn.Modify(req), false)
}

// SetAttribute replaces a single attribute on dn. Used for password changes
// so that mutation stays isolated from the rest of an update.
func (c *Client) SetAttribute(dn, name string, values ...string) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Replace(name, values)
	return translate("modify", conn.Modify(req), false)
}

// AddValue appends a value to a multi-valued attribute on dn.
func (c *Client) AddValue(dn, attr, value string) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Add(attr, []string{value})
	return translate("modify", conn.Modify(req), false)
}

// RemoveValue deletes a value from a multi-valued attribute on dn.
func (c *Client) RemoveValue(dn, attr, value string) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Delete(attr, []string{value})
	return translate("modify", conn.Modify(req), false)
}

// Remove deletes the entry at dn.
func (c *Client) Remove(dn string) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	return translate("delete", conn.Del(ldap.NewDelRequest(dn, nil)), false)
}

// GetMembers resolves the member attribute of a group into full entries, one
// base-scope lookup per member DN. Members that fail to resolve are skipped.
func (c *Client) GetMembers(groupDN string) ([]Entry, error) {
	group, err := c.Search(SearchRequest{
		BaseDN:     groupDN,
		Scope:      ScopeBase,
		Filter:     "(objectClass=*)",
		Attributes: []string{AttrMember},
	})
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, &Error{Kind: KindNotFound, Op: "members"}
	}

	members := make([]Entry, 0, len(group[0].MemberDNs))
	for _, dn := range group[0].MemberDNs {
		found, err := c.Search(SearchRequest{
			BaseDN:     dn,
			Scope:      ScopeBase,
			Filter:     "(objectClass=*)",
			Attributes: []string{AttrAccountName, AttrCN, AttrDN, AttrMail, AttrDisplayName},
		})
		if err != nil || len(found) == 0 {
			log.Warn().Str("dn", dn).Err(err).Msg("Could not resolve group member")
			continue
		}
		members = append(members, found[0])
	}
	return members, nil
}

// TestResult is the outcome of a connectivity probe.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Test verifies the bind and runs a base-scope search against the configured
// base DN.
func (c *Client) Test() TestResult {
	entries, err := c.Search(SearchRequest{
		BaseDN:     c.cfg.BaseDN,
		Scope:      ScopeBase,
		Filter:     "(objectClass=*)",
		Attributes: []string{"namingContexts"},
	})
	if err != nil {
		msg := "directory connection failed"
		if KindOf(err) == KindPermissionDenied {
			msg = "directory bind credentials rejected"
		}
		return TestResult{Success: false, Message: msg, Details: err.Error()}
	}
	return TestResult{
		Success: true,
		Message: "directory connection ok",
		Details: fmt.Sprintf("base %s, %d entries", c.cfg.BaseDN, len(entries)),
	}
}
