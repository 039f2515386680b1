package presence

import (
	"context"
	"sort"

	"github.com/npezzotti/go-chathub/internal/types"
)

// Tracker records which participants hold an open socket on a room. A
// participant may hold several sockets; entries are keyed by connection id.
type Tracker interface {
	// Join reports whether this is the participant's first socket on the room.
	Join(ctx context.Context, roomId, connId string, who types.Participant) (bool, error)
	// Leave reports whether the participant has no sockets left on the room.
	Leave(ctx context.Context, roomId, connId string, who types.Participant) (bool, error)
	Online(ctx context.Context, roomId string) ([]types.Participant, error)
}

func participantKey(p types.Participant) string {
	if p.UserId != "" {
		return string(p.Kind) + ":" + p.UserId
	}
	return string(p.Kind) + ":~" + p.Name
}

// distinct collapses multiple sockets of one participant and sorts the
// result so listings are stable.
func distinct(entries []types.Participant) []types.Participant {
	seen := make(map[string]struct{}, len(entries))
	out := make([]types.Participant, 0, len(entries))
	for _, p := range entries {
		k := participantKey(p)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

func countOf(entries []types.Participant, who types.Participant) int {
	k := participantKey(who)
	n := 0
	for _, p := range entries {
		if participantKey(p) == k {
			n++
		}
	}
	return n
}
