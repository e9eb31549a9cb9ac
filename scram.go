package mqttc

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA-1 is still offered by brokers
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM errors.
var (
	ErrSCRAMServerFirst     = errors.New("invalid SCRAM server-first-message")
	ErrSCRAMNonceMismatch   = errors.New("SCRAM server nonce does not extend client nonce")
	ErrSCRAMServerSignature = errors.New("SCRAM server signature mismatch")
	ErrSCRAMState           = errors.New("SCRAM exchange out of order")
)

// SCRAMHash selects the SCRAM hash function.
type SCRAMHash int

const (
	SCRAMHashSHA1 SCRAMHash = iota
	SCRAMHashSHA256
	SCRAMHashSHA512
)

// String returns the authentication method name.
func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

func (h SCRAMHash) new() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// SCRAMClient authenticates with SCRAM (RFC 5802) over v5 enhanced
// authentication. It implements ClientEnhancedAuthenticator and
// ClientAuthVerifier.
type SCRAMClient struct {
	Hash     SCRAMHash
	Username string
	Password string

	// nonce generates the client nonce; nil means 18 random bytes.
	nonce func() (string, error)
}

// NewSCRAMClient returns a SCRAM authenticator for username and password.
func NewSCRAMClient(h SCRAMHash, username, password string) *SCRAMClient {
	return &SCRAMClient{Hash: h, Username: username, Password: password}
}

type scramClientState struct {
	clientFirstBare string
	nonce           string
	serverSignature []byte
}

// AuthMethod implements ClientEnhancedAuthenticator.
func (s *SCRAMClient) AuthMethod() string { return s.Hash.String() }

// AuthStart sends the client-first-message.
func (s *SCRAMClient) AuthStart(_ context.Context) (*ClientEnhancedAuthResult, error) {
	gen := s.nonce
	if gen == nil {
		gen = randomNonce
	}
	nonce, err := gen()
	if err != nil {
		return nil, err
	}

	bare := "n=" + saslName(s.Username) + ",r=" + nonce
	return &ClientEnhancedAuthResult{
		AuthData: []byte("n,," + bare),
		State:    &scramClientState{clientFirstBare: bare, nonce: nonce},
	}, nil
}

// AuthContinue answers the server-first-message with the client proof.
func (s *SCRAMClient) AuthContinue(_ context.Context, authCtx *ClientEnhancedAuthContext) (*ClientEnhancedAuthResult, error) {
	st, ok := authCtx.State.(*scramClientState)
	if !ok || st.serverSignature != nil {
		return nil, ErrSCRAMState
	}

	serverFirst := string(authCtx.AuthData)
	attrs := scramAttributes(serverFirst)
	nonce, salt64, iter := attrs["r"], attrs["s"], attrs["i"]
	if nonce == "" || salt64 == "" || iter == "" {
		return nil, ErrSCRAMServerFirst
	}
	if !strings.HasPrefix(nonce, st.nonce) || len(nonce) == len(st.nonce) {
		return nil, ErrSCRAMNonceMismatch
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %w", ErrSCRAMServerFirst, err)
	}
	iterations, err := strconv.Atoi(iter)
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: iteration count %q", ErrSCRAMServerFirst, iter)
	}

	newHash := s.Hash.new()
	salted := pbkdf2.Key([]byte(s.Password), salt, iterations, newHash().Size(), newHash)
	clientKey := hmacSum(newHash, salted, "Client Key")
	h := newHash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)

	finalNoProof := "c=biws,r=" + nonce
	authMessage := st.clientFirstBare + "," + serverFirst + "," + finalNoProof

	proof := hmacSum(newHash, storedKey, authMessage)
	for i := range proof {
		proof[i] ^= clientKey[i]
	}

	serverKey := hmacSum(newHash, salted, "Server Key")
	next := &scramClientState{
		clientFirstBare: st.clientFirstBare,
		nonce:           st.nonce,
		serverSignature: hmacSum(newHash, serverKey, authMessage),
	}

	return &ClientEnhancedAuthResult{
		AuthData: []byte(finalNoProof + ",p=" + base64.StdEncoding.EncodeToString(proof)),
		State:    next,
	}, nil
}

// AuthComplete checks the server-final-message carried by CONNACK.
func (s *SCRAMClient) AuthComplete(_ context.Context, authCtx *ClientEnhancedAuthContext) error {
	st, ok := authCtx.State.(*scramClientState)
	if !ok || st.serverSignature == nil {
		return ErrSCRAMState
	}

	attrs := scramAttributes(string(authCtx.AuthData))
	if e := attrs["e"]; e != "" {
		return fmt.Errorf("%w: server error %q", ErrAuthFailed, e)
	}
	got, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil || subtle.ConstantTimeCompare(got, st.serverSignature) != 1 {
		return fmt.Errorf("%w: %w", ErrAuthFailed, ErrSCRAMServerSignature)
	}
	return nil
}

func hmacSum(newHash func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(newHash, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// scramAttributes splits "k=v,k=v" into a map keyed by attribute letter.
func scramAttributes(msg string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if k, v, ok := strings.Cut(part, "="); ok && len(k) == 1 {
			out[k] = v
		}
	}
	return out
}

// saslName escapes ',' and '=' in a username.
func saslName(s string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(s)
}

func randomNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
