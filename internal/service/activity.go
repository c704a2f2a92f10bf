package service

import (
	"fmt"
	"strings"
	"sync"
)

// ActivityKind names a user-activity or application-focus event.
type ActivityKind string

const (
	ActivityPointerMove ActivityKind = "pointermove"
	ActivityKeyDown     ActivityKind = "keydown"
	ActivityClick       ActivityKind = "click"
	ActivityTouch       ActivityKind = "touchstart"
	ActivityVisibility  ActivityKind = "visibilitychange"
	ActivityFocus       ActivityKind = "focus"
)

// IdleActivityKinds are the events that count as user activity.
var IdleActivityKinds = []ActivityKind{
	ActivityPointerMove,
	ActivityKeyDown,
	ActivityClick,
	ActivityTouch,
	ActivityVisibility,
	ActivityFocus,
}

// ActivityEvent is emitted by the host application.
type ActivityEvent struct {
	Kind ActivityKind
	// Visible is meaningful for ActivityVisibility only.
	Visible bool
}

// ParseActivityKind maps event names, case-insensitively, to kinds.
// "hidden" and "visible" are shorthands for visibility changes.
func ParseActivityKind(name string) (ActivityEvent, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pointermove", "mousemove", "move":
		return ActivityEvent{Kind: ActivityPointerMove}, nil
	case "keydown", "key":
		return ActivityEvent{Kind: ActivityKeyDown}, nil
	case "click":
		return ActivityEvent{Kind: ActivityClick}, nil
	case "touchstart", "touch":
		return ActivityEvent{Kind: ActivityTouch}, nil
	case "visible", "visibilitychange":
		return ActivityEvent{Kind: ActivityVisibility, Visible: true}, nil
	case "hidden":
		return ActivityEvent{Kind: ActivityVisibility, Visible: false}, nil
	case "focus":
		return ActivityEvent{Kind: ActivityFocus}, nil
	}
	return ActivityEvent{}, fmt.Errorf("unknown activity %q", name)
}

// ActivityBus fans host events out to listeners. Listeners run synchronously
// on the emitting goroutine.
type ActivityBus struct {
	mu        sync.RWMutex
	listeners map[uint64]activityListener
	nextID    uint64
}

type activityListener struct {
	kinds map[ActivityKind]struct{}
	fn    func(ActivityEvent)
}

func NewActivityBus() *ActivityBus {
	return &ActivityBus{listeners: make(map[uint64]activityListener)}
}

// Subscribe registers fn for the given kinds and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (b *ActivityBus) Subscribe(fn func(ActivityEvent), kinds ...ActivityKind) func() {
	l := activityListener{
		kinds: make(map[ActivityKind]struct{}, len(kinds)),
		fn:    fn,
	}
	for _, k := range kinds {
		l.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *ActivityBus) Emit(ev ActivityEvent) {
	b.mu.RLock()
	fns := make([]func(ActivityEvent), 0, len(b.listeners))
	for _, l := range b.listeners {
		if _, ok := l.kinds[ev.Kind]; ok {
			fns = append(fns, l.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Listeners returns the number of registered listeners.
func (b *ActivityBus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
