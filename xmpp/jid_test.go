package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		in       string
		node     string
		domain   string
		resource string
		wantErr  bool
	}{
		{in: "alice@example.org", node: "alice", domain: "example.org"},
		{in: "alice@example.org/home", node: "alice", domain: "example.org", resource: "home"},
		{in: "example.org", domain: "example.org"},
		{in: "example.org/res", domain: "example.org", resource: "res"},
		{in: "conference.example.org", domain: "conference.example.org"},
		{in: "", wantErr: true},
		{in: "@example.org", wantErr: true},
		{in: "alice@", wantErr: true},
		{in: "alice@example.org/", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			j, err := ParseJID(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.node, j.Node)
			assert.Equal(t, tc.domain, j.Domain)
			assert.Equal(t, tc.resource, j.Resource)
			assert.Equal(t, tc.in, j.String())
		})
	}
}

func TestJIDBare(t *testing.T) {
	j := MustParseJID("alice@example.org/phone")
	assert.True(t, j.IsFull())
	assert.False(t, j.IsBare())

	bare := j.Bare()
	assert.True(t, bare.IsBare())
	assert.Equal(t, "alice@example.org", bare.String())
	assert.Equal(t, "alice@example.org", j.BareString())
}

func TestJIDEqual(t *testing.T) {
	a := MustParseJID("alice@example.org/phone")
	b := MustParseJID("alice@example.org/phone")
	c := MustParseJID("alice@example.org/desk")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
