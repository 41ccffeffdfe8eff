package calls

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Transport channel names are capped by the media provider.
const maxChannelLen = 64

// NewSessionID builds a session id with an embedded timestamp. The random
// suffix disambiguates two initiations in the same millisecond.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("call_%d_%06x", now.UnixMilli(), rand.Int31n(1<<24))
}

// ChannelName derives the transport channel deterministically from the
// parties and the initiation instant. Deterministic (not random) so that
// duplicate-call detection by channel name stays possible.
func ChannelName(callerID, expertID string, now time.Time) string {
	name := fmt.Sprintf("ch_%s_%s_%d", idFragment(callerID), idFragment(expertID), now.UnixMilli())
	if len(name) > maxChannelLen {
		name = name[:maxChannelLen]
	}
	return name
}

// idFragment keeps the first 8 alphanumeric characters of an id. Enough to
// recognize the party in logs, short enough to stay under the channel cap.
func idFragment(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
