package replication

import "encoding/hex"

// emptySnapshotHex is the fixed, opaque 88-byte "empty database" RDB
// blob sent as the full-resync payload. No RDB writer is implemented;
// this is the one literal byte sequence the wire format requires,
// regardless of what the store actually contains at resync time.
const emptySnapshotHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697" +
	"473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// EmptySnapshot returns the fixed empty-dataset RDB blob sent as the
// full-resync payload after a FULLRESYNC control line.
func EmptySnapshot() []byte {
	b, err := hex.DecodeString(emptySnapshotHex)
	if err != nil {
		// The literal above is compiled into the binary; a decode
		// failure here means the constant itself is wrong, which is a
		// programming error, not a runtime condition to recover from.
		panic("replication: embedded snapshot hex is invalid: " + err.Error())
	}
	return b
}
