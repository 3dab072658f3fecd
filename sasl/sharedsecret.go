package sasl

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// sharedSecretMechanism is the legacy mechanism trusting any client that
// knows the server-wide shared secret. The response carries an optional
// authorization identity and the MD5-hex digest of the secret, separated
// by a NUL byte. Authenticated clients without an explicit identity get a
// generated one.
type sharedSecretMechanism struct {
	mechanismState
	secretDigest string
	challenged   bool
}

func newSharedSecretMechanism(secret string) *sharedSecretMechanism {
	digest := ""
	if secret != "" {
		sum := md5.Sum([]byte(secret))
		digest = hex.EncodeToString(sum[:])
	}
	return &sharedSecretMechanism{
		mechanismState: mechanismState{name: MechanismSharedSecret},
		secretDigest:   digest,
	}
}

func (m *sharedSecretMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	if len(response) == 0 && !m.challenged {
		m.challenged = true
		return []byte{}, false, nil
	}

	// No secret provisioned means the mechanism can never succeed.
	if m.secretDigest == "" {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	parts := strings.Split(string(response), "\x00")
	var authzID, digest string
	switch len(parts) {
	case 1:
		digest = parts[0]
	case 2:
		authzID, digest = parts[0], parts[1]
	default:
		return nil, true, m.fail(FailureMalformedRequest)
	}

	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(m.secretDigest)) != 1 {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	if authzID == "" {
		authzID = "shared-" + uuid.NewString()
	}
	m.succeed(authzID)
	return nil, true, nil
}
