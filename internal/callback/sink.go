package callback

import "sync"

// Sink is a single-producer/single-consumer rendezvous value, completed
// exactly once with either a result or an error. All paths that can race to
// complete it (a client response frame, a channel close, a timeout) observe
// the same outcome.
type Sink struct {
	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	result []byte
	err    error
}

// NewSink creates an unset Sink.
func NewSink() *Sink {
	return &Sink{done: make(chan struct{})}
}

// Complete sets the sink's outcome. Only the first call has any effect.
func (s *Sink) Complete(result []byte, err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.result, s.err = result, err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done returns a channel that is closed once Complete has been called.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Result returns the completed outcome. Only valid after Done() is closed.
func (s *Sink) Result() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}
