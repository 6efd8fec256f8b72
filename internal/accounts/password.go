package accounts

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// encodePassword converts a cleartext password into the transport format
// Active Directory expects for the unicodePwd attribute: the password wrapped
// in double quotes and encoded as UTF-16LE.
func encodePassword(password string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.String(`"` + password + `"`)
	if err != nil {
		return "", fmt.Errorf("encode password: %w", err)
	}
	return out, nil
}
