package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/consts"
)

type fakeStore struct {
	passwords map[string]string
	scram     map[string]*ScramCredentials
	authzDeny bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		passwords: make(map[string]string),
		scram:     make(map[string]*ScramCredentials),
	}
}

func (f *fakeStore) ScramCredentials(username string) (*ScramCredentials, error) {
	creds, ok := f.scram[username]
	if !ok {
		return nil, consts.ErrUserNotFound
	}
	return creds, nil
}

func (f *fakeStore) VerifyPassword(username, password string) bool {
	stored, ok := f.passwords[username]
	return ok && stored == password
}

func (f *fakeStore) Authorize(authzID, authcID string) bool {
	if f.authzDeny {
		return false
	}
	return authzID == authcID
}

func newTestFactory(store CredentialStore) *Factory {
	cfg := &config.SASLConfig{
		AnonymousEnabled: true,
		SharedSecret:     "s3cret",
	}
	return NewFactory(cfg, store)
}

func TestPlainSuccess(t *testing.T) {
	store := newFakeStore()
	store.passwords["alice"] = "hunter2"
	m, err := newTestFactory(store).New(MechanismPlain, ConnectionInfo{})
	require.NoError(t, err)

	_, done, err := m.Next([]byte("\x00alice\x00hunter2"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, m.Done())
	assert.Equal(t, "alice", m.AuthorizationID())
	assert.Equal(t, FailureNone, m.Fail())
}

func TestPlainEmptyInitialResponseGetsChallenge(t *testing.T) {
	store := newFakeStore()
	store.passwords["alice"] = "hunter2"
	m, _ := newTestFactory(store).New(MechanismPlain, ConnectionInfo{})

	_, done, err := m.Next(nil)
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = m.Next([]byte("\x00alice\x00hunter2"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "alice", m.AuthorizationID())
}

func TestPlainWrongPassword(t *testing.T) {
	store := newFakeStore()
	store.passwords["alice"] = "hunter2"
	m, _ := newTestFactory(store).New(MechanismPlain, ConnectionInfo{})

	_, done, err := m.Next([]byte("\x00alice\x00wrong"))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureNotAuthorized, m.Fail())
	assert.Empty(t, m.AuthorizationID())
}

func TestAnonymousPolicyAndIPGating(t *testing.T) {
	cfg := &config.SASLConfig{AnonymousEnabled: true, AnonymousAllowedIPs: []string{"10.0.0.5"}}
	f := NewFactory(cfg, newFakeStore())

	m, _ := f.New(MechanismAnonymous, ConnectionInfo{RemoteIP: "10.0.0.5"})
	_, done, err := m.Next([]byte("trace"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, strings.HasPrefix(m.AuthorizationID(), "guest-"))

	denied, _ := f.New(MechanismAnonymous, ConnectionInfo{RemoteIP: "192.0.2.1"})
	_, _, err = denied.Next([]byte("trace"))
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, denied.Fail())

	disabled := NewFactory(&config.SASLConfig{}, newFakeStore())
	off, _ := disabled.New(MechanismAnonymous, ConnectionInfo{RemoteIP: "10.0.0.5"})
	_, _, err = off.Next([]byte("trace"))
	assert.Error(t, err)
}

func TestExternalClientCertIdentity(t *testing.T) {
	f := newTestFactory(newFakeStore())

	m, _ := f.New(MechanismExternal, ConnectionInfo{CertIdentities: []string{"alice"}})
	_, done, err := m.Next(nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "alice", m.AuthorizationID())

	explicit, _ := f.New(MechanismExternal, ConnectionInfo{CertIdentities: []string{"alice"}})
	_, _, err = explicit.Next([]byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", explicit.AuthorizationID())

	mismatch, _ := f.New(MechanismExternal, ConnectionInfo{CertIdentities: []string{"alice"}})
	_, _, err = mismatch.Next([]byte("mallory"))
	assert.Error(t, err)
	assert.Equal(t, FailureInvalidAuthzID, mismatch.Fail())

	noCert, _ := f.New(MechanismExternal, ConnectionInfo{})
	_, _, err = noCert.Next(nil)
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, noCert.Fail())
}

func TestExternalServerVariant(t *testing.T) {
	f := newTestFactory(newFakeStore())
	conn := ConnectionInfo{
		ServerStream:   true,
		StreamFrom:     "remote.example.net",
		CertIdentities: []string{"remote.example.net"},
	}

	m, _ := f.New(MechanismExternal, conn)
	challenge, done, err := m.Next(nil)
	require.NoError(t, err)
	require.False(t, done)
	assert.NotNil(t, challenge)

	_, done, err = m.Next([]byte("remote.example.net"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "remote.example.net", m.AuthorizationID())

	noFrom, _ := f.New(MechanismExternal, ConnectionInfo{ServerStream: true, CertIdentities: []string{"x"}})
	_, _, err = noFrom.Next([]byte("x"))
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, noFrom.Fail())

	mismatch, _ := f.New(MechanismExternal, conn)
	_, _, err = mismatch.Next([]byte("other.example.net"))
	assert.Error(t, err)
	assert.Equal(t, FailureInvalidAuthzID, mismatch.Fail())

	badCert, _ := f.New(MechanismExternal, ConnectionInfo{
		ServerStream:   true,
		StreamFrom:     "remote.example.net",
		CertIdentities: []string{"someone-else.example.net"},
	})
	_, _, err = badCert.Next([]byte("remote.example.net"))
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, badCert.Fail())
}

func TestScramRoundTrip(t *testing.T) {
	const (
		username   = "alice"
		password   = "pencil"
		iterations = 4096
	)
	salt := []byte("0123456789abcdef")

	store := newFakeStore()
	store.scram[username] = DeriveScramCredentials(password, salt, iterations)
	m := newScramMechanism(store, iterations)

	clientNonce := "fyko+d2lbbFgONRv9qkxdawL"
	clientFirstBare := "n=" + username + ",r=" + clientNonce
	serverFirstBytes, done, err := m.Next([]byte("n,," + clientFirstBare))
	require.NoError(t, err)
	require.False(t, done)
	serverFirst := string(serverFirstBytes)

	attrs, err := parseScramAttributes(serverFirst)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(attrs["r"], clientNonce))
	gotSalt, err := base64.StdEncoding.DecodeString(attrs["s"])
	require.NoError(t, err)
	assert.Equal(t, salt, gotSalt)
	gotIterations, err := strconv.Atoi(attrs["i"])
	require.NoError(t, err)
	assert.Equal(t, iterations, gotIterations)

	// Client side of the exchange, from the RFC 5802 primitives.
	saltedPassword := pbkdf2.Key([]byte(password), gotSalt, gotIterations, sha1.Size, sha1.New)
	clientKeyMAC := hmac.New(sha1.New, saltedPassword)
	clientKeyMAC.Write([]byte("Client Key"))
	clientKey := clientKeyMAC.Sum(nil)
	storedKey := sha1.Sum(clientKey)

	clientFinalWithoutProof := "c=biws,r=" + attrs["r"]
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSigMAC := hmac.New(sha1.New, storedKey[:])
	clientSigMAC.Write([]byte(authMessage))
	clientSignature := clientSigMAC.Sum(nil)

	proof := make([]byte, sha1.Size)
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	serverFinal, done, err := m.Next([]byte(clientFinal))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, m.Done())
	assert.Equal(t, username, m.AuthorizationID())

	// Verify the server signature independently.
	serverKeyMAC := hmac.New(sha1.New, saltedPassword)
	serverKeyMAC.Write([]byte("Server Key"))
	serverKey := serverKeyMAC.Sum(nil)
	serverSigMAC := hmac.New(sha1.New, serverKey)
	serverSigMAC.Write([]byte(authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(serverSigMAC.Sum(nil))
	assert.Equal(t, expected, string(serverFinal))
}

func TestScramUnknownUserGetsDecoySalt(t *testing.T) {
	m := newScramMechanism(newFakeStore(), 4096)

	serverFirst, done, err := m.Next([]byte("n,,n=ghost,r=abc"))
	require.NoError(t, err)
	require.False(t, done)

	attrs, err := parseScramAttributes(string(serverFirst))
	require.NoError(t, err)
	decoySalt, err := base64.StdEncoding.DecodeString(attrs["s"])
	require.NoError(t, err)
	assert.Len(t, decoySalt, 16)
	assert.Equal(t, "4096", attrs["i"])

	fakeProof := base64.StdEncoding.EncodeToString(make([]byte, sha1.Size))
	_, done, err = m.Next([]byte("c=biws,r=" + attrs["r"] + ",p=" + fakeProof))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureNotAuthorized, m.Fail())
}

func TestScramNonceMismatchRejected(t *testing.T) {
	store := newFakeStore()
	store.scram["alice"] = DeriveScramCredentials("pencil", []byte("0123456789abcdef"), 4096)
	m := newScramMechanism(store, 4096)

	_, _, err := m.Next([]byte("n,,n=alice,r=abc"))
	require.NoError(t, err)

	fakeProof := base64.StdEncoding.EncodeToString(make([]byte, sha1.Size))
	_, _, err = m.Next([]byte("c=biws,r=tampered-nonce,p=" + fakeProof))
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, m.Fail())
}

func TestScramLeadingProofRejected(t *testing.T) {
	store := newFakeStore()
	store.scram["alice"] = DeriveScramCredentials("pencil", []byte("0123456789abcdef"), 4096)
	m := newScramMechanism(store, 4096)

	serverFirst, _, err := m.Next([]byte("n,,n=alice,r=abc"))
	require.NoError(t, err)
	attrs, err := parseScramAttributes(string(serverFirst))
	require.NoError(t, err)

	// A proof in leading position parses but is outside the message
	// grammar, which requires it to terminate the message.
	fakeProof := base64.StdEncoding.EncodeToString(make([]byte, sha1.Size))
	_, done, err := m.Next([]byte("p=" + fakeProof + ",c=biws,r=" + attrs["r"]))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureMalformedRequest, m.Fail())
}

func TestScramMissingChannelBindingRejected(t *testing.T) {
	store := newFakeStore()
	store.scram["alice"] = DeriveScramCredentials("pencil", []byte("0123456789abcdef"), 4096)
	m := newScramMechanism(store, 4096)

	serverFirst, _, err := m.Next([]byte("n,,n=alice,r=abc"))
	require.NoError(t, err)
	attrs, err := parseScramAttributes(string(serverFirst))
	require.NoError(t, err)

	fakeProof := base64.StdEncoding.EncodeToString(make([]byte, sha1.Size))
	_, done, err := m.Next([]byte("r=" + attrs["r"] + ",p=" + fakeProof))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureMalformedRequest, m.Fail())

	m = newScramMechanism(store, 4096)
	serverFirst, _, err = m.Next([]byte("n,,n=alice,r=abc"))
	require.NoError(t, err)
	attrs, err = parseScramAttributes(string(serverFirst))
	require.NoError(t, err)

	_, done, err = m.Next([]byte("c=eSws,r=" + attrs["r"] + ",p=" + fakeProof))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureMalformedRequest, m.Fail())
}

func TestScramMalformedFirstMessage(t *testing.T) {
	m := newScramMechanism(newFakeStore(), 4096)
	_, done, err := m.Next([]byte("garbage"))
	assert.Error(t, err)
	assert.True(t, done)
	assert.Equal(t, FailureMalformedRequest, m.Fail())
}

func TestSharedSecretDigest(t *testing.T) {
	f := newTestFactory(newFakeStore())

	sum := md5.Sum([]byte("s3cret"))
	digest := hex.EncodeToString(sum[:])

	m, _ := f.New(MechanismSharedSecret, ConnectionInfo{})
	_, done, err := m.Next([]byte("component\x00" + digest))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "component", m.AuthorizationID())

	wrong, _ := f.New(MechanismSharedSecret, ConnectionInfo{})
	_, _, err = wrong.Next([]byte("component\x00" + strings.Repeat("0", 32)))
	assert.Error(t, err)
	assert.Equal(t, FailureNotAuthorized, wrong.Fail())
}

func TestSharedSecretEmptyInitialGetsChallenge(t *testing.T) {
	f := newTestFactory(newFakeStore())
	m, _ := f.New(MechanismSharedSecret, ConnectionInfo{})

	_, done, err := m.Next(nil)
	require.NoError(t, err)
	require.False(t, done)

	sum := md5.Sum([]byte("s3cret"))
	_, done, err = m.Next([]byte(hex.EncodeToString(sum[:])))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, strings.HasPrefix(m.AuthorizationID(), "shared-"))
}

func TestAllMechanismsPanicOnReuse(t *testing.T) {
	store := newFakeStore()
	store.passwords["alice"] = "hunter2"
	store.scram["alice"] = DeriveScramCredentials("pencil", []byte("0123456789abcdef"), 4096)
	f := newTestFactory(store)

	complete := []Mechanism{}

	plain, _ := f.New(MechanismPlain, ConnectionInfo{})
	_, _, _ = plain.Next([]byte("\x00alice\x00hunter2"))
	complete = append(complete, plain)

	anon, _ := f.New(MechanismAnonymous, ConnectionInfo{})
	_, _, _ = anon.Next([]byte("trace"))
	complete = append(complete, anon)

	ext, _ := f.New(MechanismExternal, ConnectionInfo{CertIdentities: []string{"alice"}})
	_, _, _ = ext.Next(nil)
	complete = append(complete, ext)

	extSrv, _ := f.New(MechanismExternal, ConnectionInfo{ServerStream: true})
	_, _, _ = extSrv.Next([]byte("x"))
	complete = append(complete, extSrv)

	scram, _ := f.New(MechanismScramSHA1, ConnectionInfo{})
	_, _, _ = scram.Next([]byte("garbage"))
	complete = append(complete, scram)

	shared, _ := f.New(MechanismSharedSecret, ConnectionInfo{})
	_, _, _ = shared.Next([]byte("bogus"))
	complete = append(complete, shared)

	for _, m := range complete {
		require.True(t, m.Done(), "%s should be complete", m.Name())
		assert.Panics(t, func() { _, _, _ = m.Next([]byte("again")) }, m.Name())
	}
}

func TestFactoryMechanismFiltering(t *testing.T) {
	f := NewFactory(&config.SASLConfig{}, newFakeStore())

	all := f.Mechanisms(false, false)
	assert.Contains(t, all, MechanismAnonymous)
	assert.Contains(t, all, MechanismPlain)

	noAnon := f.Mechanisms(true, false)
	assert.NotContains(t, noAnon, MechanismAnonymous)
	assert.Contains(t, noAnon, MechanismPlain)

	noPlaintext := f.Mechanisms(false, true)
	assert.NotContains(t, noPlaintext, MechanismPlain)
	assert.NotContains(t, noPlaintext, MechanismSharedSecret)
	assert.Contains(t, noPlaintext, MechanismScramSHA1)
	assert.Contains(t, noPlaintext, MechanismExternal)
}

func TestFactoryUnknownMechanism(t *testing.T) {
	f := newTestFactory(newFakeStore())
	_, err := f.New("DIGEST-MD5", ConnectionInfo{})
	assert.Error(t, err)
}
