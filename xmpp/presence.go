package xmpp

import (
	"encoding/xml"

	"github.com/oriole-im/oriole/consts"
)

// PresenceType is the type attribute of a presence stanza. The empty
// string means "available".
type PresenceType string

const (
	PresenceAvailable   PresenceType = ""
	PresenceUnavailable PresenceType = "unavailable"
	PresenceProbe       PresenceType = "probe"
	PresenceError       PresenceType = "error"
	PresenceSubscribe   PresenceType = "subscribe"
	PresenceSubscribed  PresenceType = "subscribed"
)

// Show is the presence sub-state carried in a <show/> child element.
// The empty string means the element is absent ("online").
type Show string

const (
	ShowNone Show = ""
	ShowChat Show = "chat"
	ShowAway Show = "away"
	ShowXA   Show = "xa"
	ShowDND  Show = "dnd"
)

// Rank returns the ordinal used when aggregating multi-resource
// presence: an absent show element ranks below every explicit value.
func (s Show) Rank() int {
	switch s {
	case ShowChat:
		return 0
	case ShowAway:
		return 1
	case ShowXA:
		return 2
	case ShowDND:
		return 3
	default:
		return -1
	}
}

// Condition is a protocol-level stanza error condition.
type Condition string

const (
	ConditionForbidden     Condition = "forbidden"
	ConditionNotAuthorized Condition = "not-authorized"
	ConditionItemNotFound  Condition = "item-not-found"
)

// Presence is an in-memory presence stanza. From and To may be zero
// JIDs when the stanza is addressed to the server itself.
type Presence struct {
	Type     PresenceType
	From     JID
	To       JID
	Show     Show
	Status   string
	Priority int
	Error    Condition
}

// Copy returns a deep copy of the presence.
func (p *Presence) Copy() *Presence {
	c := *p
	return &c
}

// IsAvailable reports whether this is an available presence.
func (p *Presence) IsAvailable() bool { return p.Type == PresenceAvailable }

// HasChildElements reports whether the stanza carries any child
// element (<show/>, <status/> or <priority/>). Only presences with
// children are worth persisting as last-seen offline presence.
func (p *Presence) HasChildElements() bool {
	return p.Show != ShowNone || p.Status != "" || p.Priority != 0
}

type presenceXML struct {
	XMLName  xml.Name `xml:"presence"`
	From     string   `xml:"from,attr,omitempty"`
	To       string   `xml:"to,attr,omitempty"`
	Type     string   `xml:"type,attr,omitempty"`
	Show     string   `xml:"show,omitempty"`
	Status   string   `xml:"status,omitempty"`
	Priority *int     `xml:"priority,omitempty"`
}

// ToXML serializes the presence stanza. Used for offline-presence
// persistence; the output parses back via ParsePresence.
func (p *Presence) ToXML() string {
	w := presenceXML{
		From:   p.From.String(),
		To:     p.To.String(),
		Type:   string(p.Type),
		Show:   string(p.Show),
		Status: p.Status,
	}
	if p.From.IsZero() {
		w.From = ""
	}
	if p.To.IsZero() {
		w.To = ""
	}
	if p.Priority != 0 {
		prio := p.Priority
		w.Priority = &prio
	}
	out, err := xml.Marshal(w)
	if err != nil {
		// Marshalling a value struct cannot fail with well-formed input.
		return "<presence/>"
	}
	return string(out)
}

// ParsePresence reconstructs a presence stanza from its serialized
// form.
func ParsePresence(s string) (*Presence, error) {
	var w presenceXML
	if err := xml.Unmarshal([]byte(s), &w); err != nil {
		return nil, consts.ErrMalformedStanza
	}
	p := &Presence{
		Type:   PresenceType(w.Type),
		Show:   Show(w.Show),
		Status: w.Status,
	}
	if w.Priority != nil {
		p.Priority = *w.Priority
	}
	if w.From != "" {
		from, err := ParseJID(w.From)
		if err != nil {
			return nil, err
		}
		p.From = from
	}
	if w.To != "" {
		to, err := ParseJID(w.To)
		if err != nil {
			return nil, err
		}
		p.To = to
	}
	return p, nil
}
