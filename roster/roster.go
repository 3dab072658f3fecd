package roster

import (
	"context"
	"sync"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/xmpp"
)

// Subscription is the presence subscription state of a roster item.
type Subscription string

const (
	SubscriptionNone Subscription = "none"
	SubscriptionTo   Subscription = "to"
	SubscriptionFrom Subscription = "from"
	SubscriptionBoth Subscription = "both"
)

// SharesPresenceWithOwner reports whether the item's contact is entitled to
// see the roster owner's presence.
func (s Subscription) SharesPresenceWithOwner() bool {
	return s == SubscriptionFrom || s == SubscriptionBoth
}

// Ask is the pending subscription request state of a roster item.
type Ask string

const (
	AskNone      Ask = ""
	AskSubscribe Ask = "subscribe"
)

// Item is a single roster entry.
type Item struct {
	JID          xmpp.JID
	Name         string
	Subscription Subscription
	// Ask is a pending outbound subscription request by the owner.
	Ask Ask
	// RecvAsk is a pending inbound subscription request from the contact,
	// not yet answered by the owner.
	RecvAsk Ask
	Groups  []string
}

// Roster is a user's contact list.
type Roster struct {
	Username string
	items    map[string]*Item // keyed by bare JID string
}

// NewRoster creates an empty roster for a user.
func NewRoster(username string) *Roster {
	return &Roster{
		Username: username,
		items:    make(map[string]*Item),
	}
}

// SetItem adds or replaces a roster entry, keyed by the item's bare JID.
func (r *Roster) SetItem(item *Item) {
	r.items[item.JID.BareString()] = item
}

// GetItem returns the roster entry for the given JID, matching on the bare
// JID. Returns consts.ErrItemNotFound when the contact is not on the roster.
func (r *Roster) GetItem(jid xmpp.JID) (*Item, error) {
	item, ok := r.items[jid.BareString()]
	if !ok {
		return nil, consts.ErrItemNotFound
	}
	return item, nil
}

// Items returns all roster entries in unspecified order.
func (r *Roster) Items() []*Item {
	items := make([]*Item, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	return items
}

// Manager resolves rosters for local users.
type Manager interface {
	// GetRoster returns the user's roster. Returns consts.ErrUserNotFound
	// for unknown users.
	GetRoster(ctx context.Context, username string) (*Roster, error)
}

// MemoryManager is an in-process roster source. Production deployments feed
// it from the account backend at startup and on roster pushes.
type MemoryManager struct {
	mu      sync.RWMutex
	rosters map[string]*Roster
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{rosters: make(map[string]*Roster)}
}

// SetRoster installs or replaces a user's roster.
func (m *MemoryManager) SetRoster(r *Roster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosters[r.Username] = r
}

func (m *MemoryManager) GetRoster(_ context.Context, username string) (*Roster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rosters[username]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	return r, nil
}
