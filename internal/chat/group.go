// Package chat derives display-ready room and message state from the live
// store projections and performs message and room mutations.
package chat

import (
	"time"

	"github.com/and161185/livechat/internal/model"
)

// DefaultGroupGap is the longest pause between two messages of one author that
// still continues the same run.
const DefaultGroupGap = 5 * time.Minute

// Line is a message ready for display. Header is set on the first message of
// a run and tells the renderer to draw the author and avatar.
type Line struct {
	model.Message
	Header bool
}

// GroupHeader reports whether cur starts a new run after prev.
func GroupHeader(prev *model.Message, cur model.Message, gap time.Duration) bool {
	if prev == nil {
		return true
	}
	if model.UsernameKey(prev.Author) != model.UsernameKey(cur.Author) {
		return true
	}
	return cur.TS-prev.TS > gap.Milliseconds()
}

// Annotate marks run headers over msgs, which must already be in display order.
func Annotate(msgs []model.Message, gap time.Duration) []Line {
	out := make([]Line, len(msgs))
	var prev *model.Message
	for i := range msgs {
		out[i] = Line{Message: msgs[i], Header: GroupHeader(prev, msgs[i], gap)}
		prev = &msgs[i]
	}
	return out
}
