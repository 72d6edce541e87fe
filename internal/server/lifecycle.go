// Lifecycle: start, stop, and reset for a Server, grounded on the teacher's
// lifecycle.go for its staged run.Sequence shutdown shape, generalized from
// multi-service environment teardown to a single listener set plus the
// scheduler and callback registry.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matgreaves/run"
)

// state is the Lifecycle's NEW|RUNNING|STOPPING|STOPPED machine. isRunning()
// is derived as state == stateRunning, resolving the open question left by
// the teacher's isRunning (which reported true during partial shutdowns).
type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopping
	stateStopped
)

// shutdownGrace bounds how long Stop waits for graceful termination before
// giving up and returning regardless.
const shutdownGrace = 15 * time.Second

// ErrAlreadyStarted is returned by Start on a Server that has already been
// started once; Start is not restartable after a Stop.
var ErrAlreadyStarted = errors.New("server: already started")

// StoppedMessage is the text of the 503 response the mock path sends once
// the server is no longer running (http.Error appends a trailing newline).
const StoppedMessage = "Request sent after client has been stopped"

func (s *Server) isRunning() bool {
	return state(s.state.Load()) == stateRunning
}

// Start binds requestedPorts (falling back to cfg.Ports, or one ephemeral
// port if neither is set), brings the listener group up, and transitions
// NEW -> RUNNING. It is not idempotent: a second Start call returns
// ErrAlreadyStarted.
func (s *Server) Start(ctx context.Context, requestedPorts []int) ([]int, error) {
	if !atomic.CompareAndSwapInt32(&s.state, int32(stateNew), int32(stateRunning)) {
		return nil, ErrAlreadyStarted
	}

	ports := requestedPorts
	if len(ports) == 0 {
		ports = s.cfg.Ports
	}
	if len(ports) == 0 {
		ports = []int{0}
	}

	bound, err := s.bindPorts(ports)
	if err != nil {
		atomic.StoreInt32(&s.state, int32(stateStopped))
		return nil, err
	}

	s.cfg.Logger.Printf("started: listening on %v", bound)
	return bound, nil
}

// bindPorts binds a listener (and http.Server) for every port not already
// bound. port == 0 allocates an ephemeral port via the PortAllocator. It
// returns the full set of currently bound ports.
func (s *Server) bindPorts(ports []int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range ports {
		if p != 0 {
			if _, ok := s.listeners[p]; ok {
				continue
			}
		}

		ln, actual, err := s.listen(p)
		if err != nil {
			return nil, fmt.Errorf("bind port %d: %w", p, err)
		}

		hsrv := &http.Server{Handler: s.handler(), IdleTimeout: s.cfg.SocketConnectionTimeout}
		s.listeners[actual] = ln
		s.servers[actual] = hsrv

		s.wg.Add(1)
		go func(ln net.Listener, hsrv *http.Server) {
			defer s.wg.Done()
			if err := hsrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.cfg.Logger.Printf("listener exited: %v", err)
			}
		}(ln, hsrv)
	}

	bound := make([]int, 0, len(s.listeners))
	for p := range s.listeners {
		bound = append(bound, p)
	}
	return bound, nil
}

func (s *Server) listen(port int) (net.Listener, int, error) {
	if port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.ListenIP, port))
		if err != nil {
			return nil, 0, err
		}
		return s.maybeTLS(ln), portOf(ln.Addr()), nil
	}

	listeners, err := s.ports.Allocate(s.instanceID, 1)
	if err != nil {
		return nil, 0, err
	}
	ln := listeners[0]
	return s.maybeTLS(ln), portOf(ln.Addr()), nil
}

func (s *Server) maybeTLS(ln net.Listener) net.Listener {
	if s.cfg.TLSCertFile == "" || s.cfg.TLSKeyFile == "" {
		return ln
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		s.cfg.Logger.Printf("TLS disabled, failed to load cert/key: %v", err)
		return ln
	}
	return tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// Stop runs the staged shutdown: broadcast STOP (closing every callback
// channel), shut down the scheduler, then the HTTP listener group, each
// against the shutdownGrace deadline. Stop is idempotent — a second call
// observes the STOPPING/STOPPED state and returns immediately.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, int32(stateRunning), int32(stateStopping)) {
		return nil
	}
	defer atomic.StoreInt32(&s.state, int32(stateStopped))

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	steps := run.Sequence{
		run.Func(func(context.Context) error {
			s.callbacks.Broadcast()
			return nil
		}),
		run.Func(func(ctx context.Context) error {
			return s.scheduler.Shutdown(ctx)
		}),
		run.Func(func(ctx context.Context) error {
			return s.shutdownListeners(ctx)
		}),
	}

	err := steps.Run(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
	}

	return err
}

func (s *Server) shutdownListeners(ctx context.Context) error {
	s.mu.RLock()
	servers := make([]*http.Server, 0, len(s.servers))
	for _, hsrv := range s.servers {
		servers = append(servers, hsrv)
	}
	s.mu.RUnlock()

	group := make(run.Group, len(servers))
	for i, hsrv := range servers {
		hsrv := hsrv
		group[fmt.Sprintf("listener-%d", i)] = run.Func(func(ctx context.Context) error {
			return hsrv.Shutdown(ctx)
		})
	}
	if len(group) == 0 {
		return nil
	}
	return group.Run(ctx)
}

// Reset broadcasts RESET: clears the expectation store and the log, and
// closes every callback registration. Bound ports are left untouched.
func (s *Server) Reset() {
	s.store.Reset()
	s.log.Reset()
	s.callbacks.Broadcast()
}
