package badger

import (
	"encoding/binary"

	"github.com/poiesic/handbook/core"
)

// Key prefix for passage records
const passagePrefix = "psg"

// makeCollectionPrefix generates the key prefix shared by all passages of a collection.
// Format: prefix:collection:
func makeCollectionPrefix(collection string) []byte {
	return []byte(passagePrefix + ":" + collection + ":")
}

// makePassageKey generates a key for a passage by collection and ID.
// Format: prefix:collection:id
func makePassageKey(collection string, id core.ID) []byte {
	prefix := makeCollectionPrefix(collection)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}
