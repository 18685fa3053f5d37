package wachat

import (
	"fmt"
	"strings"
)

const (
	// ServerPhone is the identity namespace derived from phone numbers.
	ServerPhone = "s.whatsapp.net"
	// ServerLID is the anonymized identity namespace some deployments
	// expose instead of the raw phone identity.
	ServerLID = "lid"
)

// JID identifies a WhatsApp peer within one of the protocol's identity
// namespaces.
type JID struct {
	User   string
	Server string
}

// NewPhoneJID builds a phone-namespace JID from a bare digit string.
func NewPhoneJID(digits string) JID {
	return JID{User: digits, Server: ServerPhone}
}

// NewLID builds an anonymized-namespace JID.
func NewLID(user string) JID {
	return JID{User: user, Server: ServerLID}
}

// ParseJID splits a wire-format identity ("user@server") into a JID.
func ParseJID(raw string) (JID, error) {
	at := strings.IndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return JID{}, fmt.Errorf("malformed jid %q", raw)
	}
	return JID{User: raw[:at], Server: raw[at+1:]}, nil
}

// IsZero reports whether the JID carries no identity.
func (j JID) IsZero() bool {
	return j.User == "" && j.Server == ""
}

// IsLID reports whether the identity belongs to the anonymized namespace.
func (j JID) IsLID() bool {
	return j.Server == ServerLID
}

// String renders the wire format "user@server".
func (j JID) String() string {
	if j.IsZero() {
		return ""
	}
	return j.User + "@" + j.Server
}
