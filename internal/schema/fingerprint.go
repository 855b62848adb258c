package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint derives a stable digest from the identity-bearing subset of a
// review event. Two wire-level deliveries of the same logical event collapse
// to the same fingerprint; distinct events do not collide under reasonable
// input. The subset is deliberately conservative: kind, project, change ID,
// patchset number, and a coarse category marker.
func Fingerprint(e ReviewEvent) string {
	marker := categoryMarker(e)
	parts := []string{
		string(e.Kind),
		e.Project,
		e.ChangeID,
		strconv.Itoa(e.PatchsetNumber),
		marker,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// categoryMarker coarsens event payloads that legitimately repeat on the wire
// so that repeats collapse while materially different payloads do not.
func categoryMarker(e ReviewEvent) string {
	switch e.Kind {
	case KindCommentAdded:
		// Votes on the same patchset arrive as separate comment-added events;
		// collapse on the patchset, not the comment text.
		return "comment"
	case KindOther:
		// Unmodeled events carry no change identity; keep the wire type so
		// unrelated kinds never share a fingerprint.
		return e.WireType
	default:
		return string(e.Kind)
	}
}
