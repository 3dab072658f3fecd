// Package sasl implements the server-side SASL mechanisms negotiated on
// client and server streams: PLAIN, ANONYMOUS, EXTERNAL, SCRAM-SHA-1, and
// the legacy shared-secret mechanism.
//
// Every mechanism is a single-use state machine. Feeding a response to a
// completed mechanism is a programming error and panics; authentication
// failures, by contrast, are reported through the failure taxonomy so they
// can be mapped to exact wire error codes.
package sasl

import (
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/pkg/metrics"
)

// Mechanism names.
const (
	MechanismPlain        = sasl.Plain
	MechanismAnonymous    = sasl.Anonymous
	MechanismExternal     = "EXTERNAL"
	MechanismScramSHA1    = "SCRAM-SHA-1"
	MechanismSharedSecret = "JIVE-SHAREDSECRET"
)

// Failure identifies why a mechanism failed, mapped one-to-one onto the
// stream error codes the peer receives.
type Failure string

const (
	FailureNone             Failure = ""
	FailureNotAuthorized    Failure = "not-authorized"
	FailureInvalidAuthzID   Failure = "invalid-authzid"
	FailureMalformedRequest Failure = "malformed-request"
)

// Mechanism is a server-side SASL state machine. It extends the emersion
// Server contract with completion and failure introspection.
type Mechanism interface {
	sasl.Server

	// Name returns the mechanism's SASL name.
	Name() string
	// Done reports whether the negotiation finished, in success or
	// failure.
	Done() bool
	// AuthorizationID returns the authorized identity after a successful
	// negotiation, empty otherwise.
	AuthorizationID() string
	// Fail returns the failure recorded by an unsuccessful negotiation.
	Fail() Failure
}

// mechanismState carries the shared single-use bookkeeping.
type mechanismState struct {
	name    string
	done    bool
	authzID string
	failure Failure
}

func (s *mechanismState) Name() string            { return s.name }
func (s *mechanismState) Done() bool              { return s.done }
func (s *mechanismState) AuthorizationID() string { return s.authzID }
func (s *mechanismState) Fail() Failure           { return s.failure }

// guard panics when a completed mechanism is fed another response. This is
// programmer misuse, not a protocol failure.
func (s *mechanismState) guard() {
	if s.done {
		panic(fmt.Sprintf("sasl: %s mechanism used after completion", s.name))
	}
}

func (s *mechanismState) succeed(authzID string) {
	s.done = true
	s.authzID = authzID
	metrics.AuthenticationAttempts.WithLabelValues(s.name, "ok").Inc()
}

func (s *mechanismState) fail(f Failure) error {
	s.done = true
	s.failure = f
	metrics.AuthenticationAttempts.WithLabelValues(s.name, string(f)).Inc()
	return fmt.Errorf("sasl %s: %s", s.name, f)
}

// CredentialStore resolves stored credentials during negotiation.
type CredentialStore interface {
	// ScramCredentials returns the user's stored SCRAM parameters.
	// Returns consts.ErrUserNotFound for unknown users.
	ScramCredentials(username string) (*ScramCredentials, error)
	// VerifyPassword checks a plaintext password.
	VerifyPassword(username, password string) bool
	// Authorize reports whether authcID may act as authzID.
	Authorize(authzID, authcID string) bool
}

// Factory builds mechanism instances and advertises the mechanism list,
// filtered by per-connection policy.
type Factory struct {
	cfg   *config.SASLConfig
	store CredentialStore
}

func NewFactory(cfg *config.SASLConfig, store CredentialStore) *Factory {
	return &Factory{cfg: cfg, store: store}
}

// Mechanisms returns the advertised mechanism names. The noAnonymous
// policy drops ANONYMOUS, and noPlaintext drops mechanisms that put the
// password on the wire.
func (f *Factory) Mechanisms(noAnonymous, noPlaintext bool) []string {
	var out []string
	for _, name := range f.cfg.GetMechanisms() {
		if noAnonymous && name == MechanismAnonymous {
			continue
		}
		if noPlaintext && (name == MechanismPlain || name == MechanismSharedSecret) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ConnectionInfo carries the per-connection facts mechanisms authorize
// against.
type ConnectionInfo struct {
	// RemoteIP is the peer's address, checked by ANONYMOUS.
	RemoteIP string
	// StreamFrom is the authenticated stream's declared origin, required
	// by server-stream EXTERNAL.
	StreamFrom string
	// CertIdentities are the identities carried by a validated peer
	// certificate. Empty when the peer presented no trusted certificate.
	CertIdentities []string
	// ServerStream marks a server-to-server connection.
	ServerStream bool
}

// New builds a fresh mechanism instance for one negotiation.
func (f *Factory) New(name string, conn ConnectionInfo) (Mechanism, error) {
	switch name {
	case MechanismPlain:
		return newPlainMechanism(f.store), nil
	case MechanismAnonymous:
		return newAnonymousMechanism(f.cfg, conn.RemoteIP), nil
	case MechanismExternal:
		if conn.ServerStream {
			return newExternalServerMechanism(conn.StreamFrom, conn.CertIdentities), nil
		}
		return newExternalClientMechanism(f.store, conn.CertIdentities), nil
	case MechanismScramSHA1:
		return newScramMechanism(f.store, f.cfg.GetScramIterations()), nil
	case MechanismSharedSecret:
		return newSharedSecretMechanism(f.cfg.SharedSecret), nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", name)
	}
}
