package core

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// sha1Hash returns the 40 character hex digest of s.
func sha1Hash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MakeOpHash derives the stable identifier of an operation from its name and
// arguments. Argument order does not matter.
func MakeOpHash(name string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(args[k])
	}
	return sha1Hash(b.String())
}

// TempFilename joins tempDir with the hashed key. An empty key is replaced by
// a random one, so every such call yields a fresh path.
func TempFilename(tempDir, hashKey string) string {
	if hashKey == "" {
		hashKey = uuid.NewString()
	}
	return path.Join(tempDir, sha1Hash(hashKey))
}

// GetTempFilename returns a remote temp path under the configured temp
// directory. The same key always maps to the same path.
func (s *State) GetTempFilename(hashKey string) string {
	return TempFilename(s.config.TempDir, hashKey)
}
