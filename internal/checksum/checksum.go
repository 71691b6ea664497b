package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"

	"github.com/starford/voicenotes/internal/models"
)

// NoteSet returns a hex-encoded SHA-256 fingerprint of a snapshot. Two
// snapshots with the same notes in the same order share a fingerprint.
func NoteSet(set models.NoteSet) string {
	h := sha256.New()
	for _, n := range set {
		writeField(h, n.ID)
		writeField(h, n.OwnerID)
		writeField(h, n.Text)
		writeField(h, strconv.FormatInt(n.Timestamp.UnixNano(), 10))
		writeField(h, strconv.Itoa(len(n.Tags)))
		for _, t := range n.Tags {
			writeField(h, t)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so that field boundaries are unambiguous.
func writeField(h io.Writer, s string) {
	_, _ = io.WriteString(h, strconv.Itoa(len(s))+":"+s)
}
