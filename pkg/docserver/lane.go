package docserver

// lane is the per-document serializer: a single consumer goroutine that
// runs submitted closures strictly in the order they were submitted, so
// that operations on the same document never interleave, while different
// documents' lanes run fully in parallel on their own goroutines.
//
// A closure that returns an error does not stop the lane; the error is
// only delivered back to whoever submitted it, exactly as spec.md requires
// ("a failed submission must not block successors").
type lane struct {
	jobs chan func()
	done chan struct{}
}

func newLane() *lane {
	l := &lane{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) run() {
	for {
		select {
		case job, ok := <-l.jobs:
			if !ok {
				return
			}
			job()
		case <-l.done:
			return
		}
	}
}

// submit runs fn on the lane's goroutine and blocks the caller until fn
// has completed, returning whatever error fn produced.
func (l *lane) submit(fn func() error) error {
	result := make(chan error, 1)
	select {
	case l.jobs <- func() { result <- fn() }:
	case <-l.done:
		return newError(Unavailable, "document lane has been closed")
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return newError(Unavailable, "document lane was closed while the submission was pending")
	}
}

// close stops the lane's goroutine. Submissions racing a close either run
// to completion or are rejected with Unavailable; neither leaks the
// goroutine nor blocks forever.
func (l *lane) close() {
	close(l.done)
}
