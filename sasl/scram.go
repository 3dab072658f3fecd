package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// ScramCredentials are the stored server-side SCRAM-SHA-1 parameters for
// one user. The plaintext password is never stored.
type ScramCredentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveScramCredentials computes stored credentials from a plaintext
// password, per RFC 5802.
func DeriveScramCredentials(password string, salt []byte, iterations int) *ScramCredentials {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha1.Size, sha1.New)

	clientKeyMAC := hmac.New(sha1.New, saltedPassword)
	clientKeyMAC.Write([]byte("Client Key"))
	clientKey := clientKeyMAC.Sum(nil)

	storedKey := sha1.Sum(clientKey)

	serverKeyMAC := hmac.New(sha1.New, saltedPassword)
	serverKeyMAC.Write([]byte("Server Key"))
	serverKey := serverKeyMAC.Sum(nil)

	return &ScramCredentials{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}
}

// scramMechanism is the two-round SCRAM-SHA-1 server.
type scramMechanism struct {
	mechanismState
	store      CredentialStore
	iterations int

	round           int
	username        string
	clientFirstBare string
	serverFirst     string
	serverNonce     string
	creds           *ScramCredentials
	// unknownUser marks that the advertised salt is a decoy for a
	// nonexistent account; round two always fails then.
	unknownUser bool
}

func newScramMechanism(store CredentialStore, iterations int) *scramMechanism {
	return &scramMechanism{
		mechanismState: mechanismState{name: MechanismScramSHA1},
		store:          store,
		iterations:     iterations,
	}
}

func (m *scramMechanism) Next(response []byte) (challenge []byte, done bool, err error) {
	m.guard()

	switch m.round {
	case 0:
		m.round = 1
		return m.firstRound(string(response))
	default:
		return m.finalRound(string(response))
	}
}

// firstRound parses the client-first message and answers with the nonce,
// salt, and iteration count. Unknown usernames receive a fresh random salt
// so the reply is indistinguishable from a real account's.
func (m *scramMechanism) firstRound(clientFirst string) ([]byte, bool, error) {
	bare, ok := strings.CutPrefix(clientFirst, "n,,")
	if !ok {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	m.clientFirstBare = bare

	attrs, err := parseScramAttributes(bare)
	if err != nil {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	username, hasUser := attrs["n"]
	clientNonce, hasNonce := attrs["r"]
	if !hasUser || !hasNonce || clientNonce == "" {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	m.username = username
	m.serverNonce = clientNonce + uuid.NewString()

	creds, err := m.store.ScramCredentials(username)
	if err != nil {
		m.unknownUser = true
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, true, m.fail(FailureNotAuthorized)
		}
		creds = &ScramCredentials{Salt: salt, Iterations: m.iterations}
	}
	m.creds = creds

	m.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		m.serverNonce, base64.StdEncoding.EncodeToString(creds.Salt), creds.Iterations)
	return []byte(m.serverFirst), false, nil
}

func (m *scramMechanism) finalRound(clientFinal string) ([]byte, bool, error) {
	attrs, err := parseScramAttributes(clientFinal)
	if err != nil {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	nonce, hasNonce := attrs["r"]
	proofB64, hasProof := attrs["p"]
	channelBinding, hasBinding := attrs["c"]
	if !hasNonce || !hasProof || !hasBinding {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	// "biws" is base64("n,,"), the only GS2 header accepted in round one.
	if channelBinding != "biws" {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	if nonce != m.serverNonce {
		return nil, true, m.fail(FailureNotAuthorized)
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil || len(proof) != sha1.Size {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	if m.unknownUser {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	// The proof terminates the message; a leading proof attribute is
	// outside the RFC 5802 grammar.
	proofIndex := strings.LastIndex(clientFinal, ",p=")
	if proofIndex < 0 || clientFinal[proofIndex+1:] != "p="+proofB64 {
		return nil, true, m.fail(FailureMalformedRequest)
	}
	clientFinalWithoutProof := clientFinal[:proofIndex]
	authMessage := m.clientFirstBare + "," + m.serverFirst + "," + clientFinalWithoutProof

	clientSignatureMAC := hmac.New(sha1.New, m.creds.StoredKey)
	clientSignatureMAC.Write([]byte(authMessage))
	clientSignature := clientSignatureMAC.Sum(nil)

	// Recover the candidate client key from the proof; hashing it must
	// reproduce the stored key exactly.
	clientKey := make([]byte, sha1.Size)
	for i := range clientKey {
		clientKey[i] = proof[i] ^ clientSignature[i]
	}
	candidate := sha1.Sum(clientKey)
	if subtle.ConstantTimeCompare(candidate[:], m.creds.StoredKey) != 1 {
		return nil, true, m.fail(FailureNotAuthorized)
	}

	serverSignatureMAC := hmac.New(sha1.New, m.creds.ServerKey)
	serverSignatureMAC.Write([]byte(authMessage))
	serverSignature := serverSignatureMAC.Sum(nil)

	m.succeed(m.username)
	final := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	return []byte(final), true, nil
}

// parseScramAttributes splits "k=v,k=v" message text into a map. Values
// may themselves contain '=' (base64), so only the first '=' per pair
// splits.
func parseScramAttributes(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || len(key) != 1 {
			return nil, fmt.Errorf("malformed attribute %q", part)
		}
		if _, dup := attrs[key]; !dup {
			attrs[key] = value
		}
	}
	return attrs, nil
}
