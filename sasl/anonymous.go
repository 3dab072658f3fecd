package sasl

import (
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/google/uuid"

	"github.com/oriole-im/oriole/config"
)

// anonymousMechanism wraps the emersion ANONYMOUS server. Success requires
// the server policy to allow anonymous logins and the peer's address to
// pass the allow list. The authorized identity is a generated guest name.
type anonymousMechanism struct {
	mechanismState
	inner sasl.Server
}

func newAnonymousMechanism(cfg *config.SASLConfig, remoteIP string) *anonymousMechanism {
	m := &anonymousMechanism{
		mechanismState: mechanismState{name: MechanismAnonymous},
	}
	m.inner = sasl.NewAnonymousServer(func(trace string) error {
		if !cfg.AnonymousEnabled {
			return fmt.Errorf("anonymous login disabled")
		}
		if !cfg.AnonymousIPAllowed(remoteIP) {
			return fmt.Errorf("address not allowed")
		}
		m.succeed("guest-" + uuid.NewString())
		return nil
	})
	return m
}

func (m *anonymousMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	challenge, done, err = m.inner.Next(response)
	if err != nil {
		return nil, true, m.fail(FailureNotAuthorized)
	}
	return challenge, done, nil
}
