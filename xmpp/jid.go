// Package xmpp holds the stanza value model shared by the presence,
// routing and cluster packages: JID addresses and presence stanzas.
// Wire-level XML stream parsing is out of scope; only the presence
// serialization needed for offline storage lives here.
package xmpp

import (
	"strings"

	"github.com/oriole-im/oriole/consts"
)

// JID is an XMPP address of the form node@domain/resource. The zero
// value is invalid. A JID with an empty Resource is a "bare" JID; a JID
// with a non-empty Resource is a "full" JID.
type JID struct {
	Node     string
	Domain   string
	Resource string
}

// ParseJID splits a JID string into its node, domain and resource
// parts. The node and resource are optional.
func ParseJID(s string) (JID, error) {
	if s == "" {
		return JID{}, consts.ErrMalformedJID
	}
	var j JID
	rest := s
	if i := strings.Index(rest, "/"); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
		if j.Resource == "" {
			return JID{}, consts.ErrMalformedJID
		}
	}
	if i := strings.Index(rest, "@"); i >= 0 {
		j.Node = rest[:i]
		rest = rest[i+1:]
		if j.Node == "" {
			return JID{}, consts.ErrMalformedJID
		}
	}
	if rest == "" || strings.ContainsAny(rest, "@/") {
		return JID{}, consts.ErrMalformedJID
	}
	j.Domain = rest
	return j, nil
}

// MustParseJID is ParseJID that panics on malformed input. Intended for
// tests and static addresses.
func MustParseJID(s string) JID {
	j, err := ParseJID(s)
	if err != nil {
		panic("xmpp: malformed jid " + s)
	}
	return j
}

// Bare returns the JID without its resource part.
func (j JID) Bare() JID {
	return JID{Node: j.Node, Domain: j.Domain}
}

// IsBare reports whether the JID carries no resource.
func (j JID) IsBare() bool { return j.Resource == "" }

// IsFull reports whether the JID carries a resource.
func (j JID) IsFull() bool { return j.Resource != "" }

// IsZero reports whether the JID is the zero value (no address at all).
func (j JID) IsZero() bool { return j.Node == "" && j.Domain == "" && j.Resource == "" }

func (j JID) String() string {
	var b strings.Builder
	if j.Node != "" {
		b.WriteString(j.Node)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// BareString returns the bare form as a string, avoiding an
// intermediate JID value on hot paths.
func (j JID) BareString() string {
	if j.Node == "" {
		return j.Domain
	}
	return j.Node + "@" + j.Domain
}

// Equal reports structural equality of two JIDs.
func (j JID) Equal(o JID) bool {
	return j.Node == o.Node && j.Domain == o.Domain && j.Resource == o.Resource
}
