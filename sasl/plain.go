package sasl

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// plainMechanism wraps the emersion PLAIN server with single-use
// bookkeeping and the failure taxonomy.
type plainMechanism struct {
	mechanismState
	inner    sasl.Server
	verified bool
}

func newPlainMechanism(store CredentialStore) *plainMechanism {
	m := &plainMechanism{
		mechanismState: mechanismState{name: MechanismPlain},
	}
	m.inner = sasl.NewPlainServer(func(identity, username, password string) error {
		m.verified = true
		if !store.VerifyPassword(username, password) {
			return fmt.Errorf("invalid credentials")
		}
		if identity == "" {
			identity = username
		}
		if !store.Authorize(identity, username) {
			return fmt.Errorf("authorization denied")
		}
		m.succeed(identity)
		return nil
	})
	return m
}

func (m *plainMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	challenge, done, err = m.inner.Next(response)
	if err != nil {
		if !m.verified {
			return nil, true, m.fail(FailureMalformedRequest)
		}
		return nil, true, m.fail(FailureNotAuthorized)
	}
	// An empty initial response earns one challenge round; completion is
	// recorded by the authenticator callback.
	return challenge, done, nil
}
