package httprpc

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/bcrypt"
)

const basicPrefix = "Basic "

// authorized checks an Authorization header value against the configured
// credential. It is a pure check: no logging, no throttling; the caller
// owns both.
//
// Fail closed: with no credential configured every header is rejected.
func (g *Gateway) authorized(header string) bool {
	if g.credential == "" && len(g.credentialHash) == 0 {
		return false
	}
	if !strings.HasPrefix(header, basicPrefix) {
		return false
	}
	encoded := strings.TrimSpace(header[len(basicPrefix):])
	userPass, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	if len(g.credentialHash) != 0 {
		return bcrypt.CompareHashAndPassword(g.credentialHash, userPass) == nil
	}
	return timingResistantEqual(userPass, []byte(g.credential))
}

// timingResistantEqual compares fixed-length digests of both inputs, so
// the comparison cost does not depend on where the strings diverge or on
// their lengths.
func timingResistantEqual(a, b []byte) bool {
	ha := sha256.Sum256(a)
	hb := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// suggestedPasswordBytes is the entropy of a generated password.
const suggestedPasswordBytes = 32

// SuggestPassword generates a random password suitable for the operator
// warning emitted when no usable credential is configured.
func SuggestPassword() (string, error) {
	buf := make([]byte, suggestedPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

// ErrNoCredentials is returned by CredentialFromConfig when the
// configured user/password pair is unusable.
var ErrNoCredentials = errors.New("httprpc: rpc credentials not configured")

// CredentialFromConfig assembles the process-wide "user:pass" credential.
// An empty password, or a password equal to the user name, is refused:
// notify (when non-nil) receives an operator-facing message including a
// freshly generated password suggestion, and ErrNoCredentials is
// returned.
func CredentialFromConfig(user, password string, notify func(string)) (string, error) {
	if password == "" || user == password {
		suggestion, err := SuggestPassword()
		if err != nil {
			return "", err
		}
		if notify != nil {
			notify(fmt.Sprintf(
				"To use rpcgated you must set an rpc password in the configuration.\n"+
					"It is recommended you use the following random password:\n"+
					"RPCGATE_RPC_USER=rpcgate\n"+
					"RPCGATE_RPC_PASSWORD=%s\n"+
					"(you do not need to remember this password)\n"+
					"The username and password MUST NOT be the same.", suggestion))
		}
		return "", ErrNoCredentials
	}
	return user + ":" + password, nil
}
