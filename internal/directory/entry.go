package directory

import (
	"strconv"

	"github.com/go-ldap/ldap/v3"
)

// Common Active Directory attribute names used across the console.
const (
	AttrAccountName    = "sAMAccountName"
	AttrCN             = "cn"
	AttrDN             = "distinguishedName"
	AttrMail           = "mail"
	AttrDisplayName    = "displayName"
	AttrAccountControl = "userAccountControl"
	AttrMember         = "member"
	AttrObjectClass    = "objectClass"
	AttrPrincipalName  = "userPrincipalName"
	AttrUnicodePwd     = "unicodePwd"
	AttrGroupType      = "groupType"
)

// Entry is a typed view over a directory object, decoded once at the client
// boundary. Attributes that were not requested or not present are zero.
type Entry struct {
	DN             string
	CN             string
	AccountName    string
	Mail           string
	DisplayName    string
	AccountControl int
	MemberDNs      []string
}

// Attribute is a single attribute for an add operation. Values are raw bytes
// carried as strings, which also covers binary attributes like unicodePwd.
type Attribute struct {
	Name   string
	Values []string
}

func decodeEntry(e *ldap.Entry) Entry {
	ctl, _ := strconv.Atoi(e.GetAttributeValue(AttrAccountControl))
	dn := e.GetAttributeValue(AttrDN)
	if dn == "" {
		dn = e.DN
	}
	return Entry{
		DN:             dn,
		CN:             e.GetAttributeValue(AttrCN),
		AccountName:    e.GetAttributeValue(AttrAccountName),
		Mail:           e.GetAttributeValue(AttrMail),
		DisplayName:    e.GetAttributeValue(AttrDisplayName),
		AccountControl: ctl,
		MemberDNs:      e.GetAttributeValues(AttrMember),
	}
}
