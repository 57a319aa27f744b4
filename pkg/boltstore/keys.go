package boltstore

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/google/uuid"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta         = []byte("meta")
	bucketCells        = []byte("cells")
	bucketConfinements = []byte("confinements")
)

// Meta key constants.
var (
	keyVersion = []byte("version")
)

// cellKey is the canonical (lowercase) cell name.
func cellKey(name string) []byte {
	return []byte(jaildb.CellKey(name))
}

// subjectKey is the 16 raw UUID bytes.
func subjectKey(id jaildb.SubjectID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// keyString renders a confinement key for corrupt-record reports.
func keyString(k []byte) string {
	if id, err := uuid.FromBytes(k); err == nil {
		return id.String()
	}
	return hex.EncodeToString(k)
}

// intToKey converts an int to an 8-byte big-endian key.
func intToKey(n int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

// keyToInt converts an 8-byte big-endian key back to an int.
func keyToInt(b []byte) int {
	if len(b) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(b))
}
