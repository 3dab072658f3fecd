package sasl

// externalClientMechanism authenticates a client connection by its TLS
// certificate. The certificate chain was validated during the handshake;
// here the requested identity is checked against the certificate's
// principals.
type externalClientMechanism struct {
	mechanismState
	store          CredentialStore
	certIdentities []string
}

func newExternalClientMechanism(store CredentialStore, certIdentities []string) *externalClientMechanism {
	return &externalClientMechanism{
		mechanismState: mechanismState{name: MechanismExternal},
		store:          store,
		certIdentities: certIdentities,
	}
}

func (m *externalClientMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	if len(m.certIdentities) == 0 {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	requested := string(response)
	if requested == "" {
		// No explicit identity: the certificate's first principal is the
		// derived username.
		m.succeed(m.certIdentities[0])
		return nil, true, nil
	}

	for _, identity := range m.certIdentities {
		if identity == requested || m.store.Authorize(requested, identity) {
			m.succeed(requested)
			return nil, true, nil
		}
	}
	return nil, true, m.fail(FailureInvalidAuthzID)
}

// externalServerMechanism authenticates a server-to-server connection. The
// stream's declared origin must be present, the requested authorization
// identity (if any) must equal it, and the peer certificate must validate
// for that identity. Each rule failing maps to its own wire code.
type externalServerMechanism struct {
	mechanismState
	streamFrom     string
	certIdentities []string
	challenged     bool
}

func newExternalServerMechanism(streamFrom string, certIdentities []string) *externalServerMechanism {
	return &externalServerMechanism{
		mechanismState: mechanismState{name: MechanismExternal},
		streamFrom:     streamFrom,
		certIdentities: certIdentities,
	}
}

func (m *externalServerMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	if len(response) == 0 && !m.challenged {
		// Ask once for an explicit authorization identity.
		m.challenged = true
		return []byte{}, false, nil
	}

	if m.streamFrom == "" {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	requested := string(response)
	if requested != "" && requested != m.streamFrom {
		return nil, true, m.fail(FailureInvalidAuthzID)
	}

	for _, identity := range m.certIdentities {
		if identity == m.streamFrom {
			m.succeed(m.streamFrom)
			return nil, true, nil
		}
	}
	return nil, true, m.fail(FailureNotAuthorized)
}
