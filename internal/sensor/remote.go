package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type watcher struct {
	onPosition func(Position)
	onError    func(error)
}

type reading struct {
	pos Position
	err error
}

// Remote is a Sensor fed by a host that owns the real device, for example
// a browser streaming positions over a websocket. Pushes are delivered to
// watchers serially, in push order.
type Remote struct {
	mu         sync.Mutex
	available  bool
	permission PermissionState
	last       *Position
	lastAt     time.Time
	watchers   map[WatchID]watcher
	waiters    []chan reading

	dispatchMu sync.Mutex
	now        func() time.Time
}

func NewRemote() *Remote {
	return &Remote{
		available:  true,
		permission: PermissionPrompt,
		watchers:   make(map[WatchID]watcher),
		now:        time.Now,
	}
}

func (r *Remote) SetAvailable(v bool) {
	r.mu.Lock()
	r.available = v
	r.mu.Unlock()
}

func (r *Remote) SetPermission(state PermissionState) {
	r.mu.Lock()
	r.permission = state
	r.mu.Unlock()
}

func (r *Remote) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *Remote) Permission(context.Context) (PermissionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission, nil
}

func (r *Remote) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	r.mu.Lock()
	if r.permission == PermissionDenied {
		r.mu.Unlock()
		return Position{}, NewError(CodePermissionDenied, "user denied geolocation")
	}
	if r.last != nil && opts.MaximumAge > 0 && r.now().Sub(r.lastAt) <= opts.MaximumAge {
		pos := *r.last
		r.mu.Unlock()
		return pos, nil
	}
	ch := make(chan reading, 1)
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	select {
	case rd := <-ch:
		return rd.pos, rd.err
	case <-ctx.Done():
		r.dropWaiter(ch)
		if ctx.Err() == context.DeadlineExceeded {
			return Position{}, NewError(CodeTimeout, "timed out waiting for position")
		}
		return Position{}, ctx.Err()
	}
}

func (r *Remote) dropWaiter(ch chan reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w == ch {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

func (r *Remote) Watch(_ context.Context, _ Options, onPosition func(Position), onError func(error)) (WatchID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permission == PermissionDenied {
		return "", NewError(CodePermissionDenied, "user denied geolocation")
	}
	id := WatchID(uuid.NewString())
	r.watchers[id] = watcher{onPosition: onPosition, onError: onError}
	return id, nil
}

func (r *Remote) ClearWatch(id WatchID) {
	r.mu.Lock()
	delete(r.watchers, id)
	r.mu.Unlock()
}

func (r *Remote) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Push delivers a position to pending one-shot requests and active watches.
func (r *Remote) Push(pos Position) {
	if pos.Timestamp.IsZero() {
		pos.Timestamp = r.now()
	}
	r.mu.Lock()
	p := pos
	r.last = &p
	r.lastAt = r.now()
	waiters, watchers := r.takeListeners()
	r.mu.Unlock()

	r.dispatch(waiters, watchers, reading{pos: pos})
}

// PushError delivers a sensor failure to pending requests and watches.
func (r *Remote) PushError(err *Error) {
	r.mu.Lock()
	if err.Code == CodePermissionDenied {
		r.permission = PermissionDenied
	}
	waiters, watchers := r.takeListeners()
	r.mu.Unlock()

	r.dispatch(waiters, watchers, reading{err: err})
}

func (r *Remote) takeListeners() ([]chan reading, []watcher) {
	waiters := r.waiters
	r.waiters = nil
	watchers := make([]watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	return waiters, watchers
}

func (r *Remote) dispatch(waiters []chan reading, watchers []watcher, rd reading) {
	for _, ch := range waiters {
		ch <- rd
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	for _, w := range watchers {
		if rd.err != nil {
			if w.onError != nil {
				w.onError(rd.err)
			}
			continue
		}
		if w.onPosition != nil {
			w.onPosition(rd.pos)
		}
	}
}
