package eventbus

// Context is the single-threaded execution lane a handler's deliveries run
// on (SPEC_FULL.md §5). It is intentionally minimal: the context/scheduler
// abstraction is out of scope for this bus's core (spec §1), so this is
// just enough of an interface boundary to bind a handler to a lane at
// registration time and run its deliveries serially, one goroutine per
// lane reading a channel of thunks — the same one-goroutine-per-lane shape
// the teacher's actor mailboxes use, generalized so several handlers can
// share a lane.
type Context struct {
	execute chan func()
	done    chan struct{}
}

// NewContext creates a new execution lane with its own goroutine. Callers
// that want several handlers to run serially with respect to each other
// share one Context across registrations (RegisterOption WithContext);
// the default is a private Context per handler.
func NewContext() *Context {
	c := &Context{
		execute: make(chan func(), 64),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Context) run() {
	for {
		select {
		case fn := <-c.execute:
			fn()
		case <-c.done:
			return
		}
	}
}

// Schedule enqueues fn to run on this lane. It blocks while the lane's
// queue (64 thunks) is full, and is a no-op (fn is dropped) once the lane
// is closed.
func (c *Context) Schedule(fn func()) {
	select {
	case c.execute <- fn:
	case <-c.done:
	}
}

// Close stops the lane's goroutine. Thunks already enqueued but not yet
// run may or may not execute (matches §5 "close() ... In-flight callbacks
// may still run").
func (c *Context) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
