package chat

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
)

// DefaultWindow is the number of most recent messages kept per room.
const DefaultWindow = 100

// SlotMessages names the registry slot holding the active room's subscription.
const SlotMessages = "messages"

// RoomView follows the messages of the selected room.
type RoomView struct {
	src    store.Store
	reg    *livesync.Registry
	opt    livesync.Options
	window int
	gap    time.Duration

	mu       sync.Mutex
	roomID   string
	view     livesync.View[model.Message]
	onChange func()
}

// NewRoomView builds a view that keeps its subscription in reg. Zero window
// and gap select the defaults.
func NewRoomView(src store.Store, reg *livesync.Registry, opt livesync.Options, window int, gap time.Duration) *RoomView {
	if window <= 0 {
		window = DefaultWindow
	}
	if gap <= 0 {
		gap = DefaultGroupGap
	}
	return &RoomView{src: src, reg: reg, opt: opt, window: window, gap: gap}
}

// OnChange sets the function called after every delivery. It runs on the
// delivering goroutine.
func (v *RoomView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Select switches to roomID. The previous room's subscription is torn down
// before the new one opens, so no message of the old room is delivered after
// Select returns.
func (v *RoomView) Select(ctx context.Context, roomID string) {
	v.mu.Lock()
	v.roomID = roomID
	v.view = livesync.View[model.Message]{State: livesync.Loading}
	v.mu.Unlock()

	opt := v.opt
	opt.OrderBy, opt.LimitToLast, opt.Desc = "ts", v.window, false
	dec := func(key string, raw []byte) (model.Message, error) { return model.DecodeMessage(roomID, key, raw) }

	v.reg.Swap(SlotMessages, func() livesync.Canceler {
		return livesync.Subscribe(ctx, v.src, store.Join("msgs", roomID), opt, dec, func(mv livesync.View[model.Message]) {
			v.mu.Lock()
			if v.roomID != roomID {
				v.mu.Unlock()
				return
			}
			v.view = mv
			fn := v.onChange
			v.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	})
}

// Close tears the subscription down and forgets the selection.
func (v *RoomView) Close() {
	v.reg.Close(SlotMessages)
	v.mu.Lock()
	v.roomID = ""
	v.view = livesync.View[model.Message]{}
	v.mu.Unlock()
}

// RoomID returns the selected room, empty when none.
func (v *RoomView) RoomID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roomID
}

// State returns the projection state of the selected room.
func (v *RoomView) State() (livesync.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view.State, v.view.Err
}

// Messages returns the windowed messages in ascending timestamp order.
func (v *RoomView) Messages() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view.Values()
}

// Lines returns Messages annotated with run headers.
func (v *RoomView) Lines() []Line {
	return Annotate(v.Messages(), v.gap)
}
