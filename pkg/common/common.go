package common

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/pbkdf2"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
}

// UUIDint64 returns a snowflake int64 id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// UUID returns a snowflake id string.
func UUID() string {
	return snowflakeNode.Generate().String()
}

// GetSecretSalt reads the instance salt from the environment, falling back
// to a fixed development value.
func GetSecretSalt() string {
	salt := os.Getenv("CHATGATE_SECRET_SALT")
	if salt == "" {
		salt = "chatgate-dev-salt"
	}
	return salt
}

const pbkdf2Iterations = 4096

// HashPassword derives a hex-encoded PBKDF2-SHA256 digest of password.
func HashPassword(password, salt string) string {
	dk := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, 32, sha256.New)
	return hex.EncodeToString(dk)
}

// VerifyPassword compares password against a stored HashPassword digest in
// constant time.
func VerifyPassword(password, salt, digest string) bool {
	computed := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
