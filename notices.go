package accounts

import (
	"context"
	"sync"
)

// Notice is a one-shot user-facing message emitted by a service call.
type Notice struct {
	Level   FlashLevel
	Message string
}

// NoticeRecorder collects notices emitted during a single request.
type NoticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *NoticeRecorder) add(level FlashLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Level: level, Message: message})
}

// Notices returns the messages recorded so far, in emission order.
func (r *NoticeRecorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Last returns the most recent notice, or a zero Notice when none were
// recorded.
func (r *NoticeRecorder) Last() Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}
	}
	return r.notices[len(r.notices)-1]
}

type noticesKey struct{}

// WithNotices attaches a fresh recorder to the context. Services
// constructed with ContextMessenger flash into it.
func WithNotices(ctx context.Context) (context.Context, *NoticeRecorder) {
	rec := &NoticeRecorder{}
	return context.WithValue(ctx, noticesKey{}, rec), rec
}

func noticesFrom(ctx context.Context) *NoticeRecorder {
	rec, _ := ctx.Value(noticesKey{}).(*NoticeRecorder)
	return rec
}

// ContextMessenger routes flashes to the NoticeRecorder carried by the
// request context. Flashes on a context without a recorder are dropped.
type ContextMessenger struct{}

var _ Messenger = ContextMessenger{}

func (ContextMessenger) Flash(ctx context.Context, level FlashLevel, message string) {
	if rec := noticesFrom(ctx); rec != nil {
		rec.add(level, message)
	}
}
