package deps

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
)

// Digest identifies one dependency-stage input set: manifest bytes, lock
// bytes and the install command. Identical inputs always produce the same
// digest; any change to them produces a different one.
type Digest string

// ComputeDigest hashes the manifest and lock files at the given paths
// together with the install command.
func ComputeDigest(manifestPath, lockPath string, command []string) (Digest, error) {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("reading manifest for digest: %w", err)
	}
	lock, err := os.ReadFile(lockPath)
	if err != nil {
		return "", fmt.Errorf("reading lock for digest: %w", err)
	}
	return DigestOf(manifest, lock, command), nil
}

// DigestOf hashes in-memory inputs. Every field is length-prefixed so that
// moving bytes between fields changes the result.
func DigestOf(manifest, lock []byte, command []string) Digest {
	h := sha256.New()
	writeField(h, manifest)
	writeField(h, lock)
	writeField(h, binary.BigEndian.AppendUint64(nil, uint64(len(command))))
	for _, arg := range command {
		writeField(h, []byte(arg))
	}
	return Digest("sha256:" + hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(data))))
	h.Write(data)
}
