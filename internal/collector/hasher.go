package collector

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"hearthbeat/pkg/models"
)

// Hasher fingerprints events for the duplicate guard. Two events with the
// same session, name, entity and timestamp are the same event replayed.
type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: algorithm}
}

func (h *Hasher) Fingerprint(ev models.Event) string {
	var builder strings.Builder
	builder.WriteString(ev.SessionID)
	builder.WriteString("|")
	builder.WriteString(ev.EventName)
	builder.WriteString("|")
	builder.WriteString(entityOf(ev))
	builder.WriteString("|")
	builder.WriteString(ev.OccurredAt.UTC().Format(time.RFC3339Nano))

	input := builder.String()

	switch h.algorithm {
	case "sha256":
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:])
	case "md5":
		sum := md5.Sum([]byte(input))
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:])
	}
}

// entityOf picks the property that identifies what the event is about, so
// that two distinct listing views in the same instant stay distinct.
func entityOf(ev models.Event) string {
	for _, key := range []string{"listing_id", "listing_ids", "page", "post_attempt_id"} {
		if val, ok := ev.EventProps[key]; ok {
			return fmt.Sprintf("%v", val)
		}
	}
	return ""
}
