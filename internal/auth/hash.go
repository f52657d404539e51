package auth

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// HashSuffix closes every handshake digest input.
const HashSuffix = "xdapp.com"

// ChallengeHash is the digest a gateway attaches to a reg challenge:
// sha1("{time}.{rand}.xdapp.com"). It deliberately carries no identity.
func ChallengeHash(ts int64, rand string) string {
	return digest(strconv.FormatInt(ts, 10), rand, HashSuffix)
}

// RegistrationHash binds a handshake message to the service identity and
// shared key: sha1("{app}.{service}.{time}.{rand}.{key}.xdapp.com").
func RegistrationHash(app, service string, ts int64, rand, key string) string {
	return digest(app, service, strconv.FormatInt(ts, 10), rand, key, HashSuffix)
}

func digest(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, ".")))
	return hex.EncodeToString(sum[:])
}

func hashEqual(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(got))) == 1
}
