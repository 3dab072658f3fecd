package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/xmpp"
)

func newTestSession(t *testing.T, addr string) *Session {
	t.Helper()
	jid, err := xmpp.ParseJID(addr)
	require.NoError(t, err)
	return New(jid, false)
}

func TestManagerAddAndGet(t *testing.T) {
	m := NewManager()
	s := newTestSession(t, "alice@example.org/desktop")
	m.AddSession(s)

	got := m.GetSession(s.Address())
	require.NotNil(t, got)
	assert.Equal(t, s, got)

	assert.Nil(t, m.GetSession(xmpp.MustParseJID("alice@example.org/phone")))
	assert.Nil(t, m.GetSession(xmpp.MustParseJID("bob@example.org/desktop")))
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()
	s := newTestSession(t, "alice@example.org/desktop")
	m.AddSession(s)

	removed, err := m.RemoveSession(s.Address())
	require.NoError(t, err)
	assert.Equal(t, s, removed)
	assert.Equal(t, 0, m.SessionCount("alice"))

	_, err = m.RemoveSession(s.Address())
	assert.ErrorIs(t, err, consts.ErrSessionNotFound)
}

func TestManagerSortedEnumeration(t *testing.T) {
	m := NewManager()
	m.AddSession(newTestSession(t, "alice@example.org/zephyr"))
	m.AddSession(newTestSession(t, "alice@example.org/desktop"))
	m.AddSession(newTestSession(t, "alice@example.org/mobile"))

	sessions := m.GetSessions("alice")
	require.Len(t, sessions, 3)
	assert.Equal(t, "desktop", sessions[0].Address().Resource)
	assert.Equal(t, "mobile", sessions[1].Address().Resource)
	assert.Equal(t, "zephyr", sessions[2].Address().Resource)
}

func TestManagerActiveSessionCount(t *testing.T) {
	m := NewManager()
	desktop := newTestSession(t, "alice@example.org/desktop")
	mobile := newTestSession(t, "alice@example.org/mobile")
	m.AddSession(desktop)
	m.AddSession(mobile)

	assert.Equal(t, 2, m.SessionCount("alice"))
	assert.Equal(t, 0, m.ActiveSessionCount("alice"))

	desktop.SetPresence(&xmpp.Presence{From: desktop.Address()})
	assert.Equal(t, 1, m.ActiveSessionCount("alice"))

	mobile.SetPresence(&xmpp.Presence{From: mobile.Address()})
	assert.Equal(t, 2, m.ActiveSessionCount("alice"))

	desktop.SetPresence(&xmpp.Presence{Type: xmpp.PresenceUnavailable, From: desktop.Address()})
	assert.Equal(t, 1, m.ActiveSessionCount("alice"))
	assert.True(t, desktop.WasAvailable())
}

func TestSessionPresenceSwap(t *testing.T) {
	s := newTestSession(t, "alice@example.org/desktop")
	assert.False(t, s.IsAvailable())

	prior := s.SetPresence(&xmpp.Presence{From: s.Address(), Show: xmpp.ShowAway})
	require.NotNil(t, prior)
	assert.Equal(t, xmpp.PresenceUnavailable, prior.Type)
	assert.True(t, s.IsAvailable())
	assert.Equal(t, xmpp.ShowAway, s.Presence().Show)
}

func TestManagerReplaceSameResource(t *testing.T) {
	m := NewManager()
	first := newTestSession(t, "alice@example.org/desktop")
	second := newTestSession(t, "alice@example.org/desktop")
	m.AddSession(first)
	m.AddSession(second)

	assert.Equal(t, 1, m.SessionCount("alice"))
	assert.Equal(t, second, m.GetSession(first.Address()))
}
