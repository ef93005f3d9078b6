package dapserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/chzyer/readline"
	dap "github.com/google/go-dap"
	"github.com/viewizard/dncdbg-go/internal/session"
	"golang.org/x/sync/errgroup"
)

// ControllerFactory builds the session controller for one debug
// session, wired against the session's event sink. The adapter and the
// controller reference each other (the controller emits events through
// the adapter; the adapter dispatches requests into the controller),
// so construction is two-step.
type ControllerFactory func(events session.Events) *session.Controller

type Server struct {
	newController ControllerFactory
	engineLog     *log.Logger

	defaultProgram string
	defaultArgs    []string
	defaultPid     int
}

// Option configures a Server.
type Option func(*Server)

// WithEngineLog makes the server write every DAP message exchanged
// (both directions) to l, independent of the session's own log.
func WithEngineLog(l *log.Logger) Option {
	return func(s *Server) {
		s.engineLog = l
	}
}

// WithDefaultTarget supplies the program (and its argv) a launch
// request falls back to when the front-end sends none, letting the
// target be fixed on the command line.
func WithDefaultTarget(program string, args []string) Option {
	return func(s *Server) {
		s.defaultProgram = program
		s.defaultArgs = args
	}
}

// WithDefaultAttachPid supplies the pid an attach request falls back
// to when the front-end sends none.
func WithDefaultAttachPid(pid int) Option {
	return func(s *Server) {
		s.defaultPid = pid
	}
}

func New(newController ControllerFactory, opts ...Option) *Server {
	s := &Server{newController: newController}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen serves one DAP session over the given streams. output, if
// non-nil, is the debuggee's redirected stdout; each line becomes an
// output event.
func (s *Server) Listen(ctx context.Context, output, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cancelableStdin := readline.NewCancelableStdin(stdin)
	sess := &Session{
		rw: bufio.NewReadWriter(
			bufio.NewReader(cancelableStdin),
			bufio.NewWriter(stdout),
		),
		done:              make(chan struct{}),
		sendQueue:         make(chan dap.Message),
		caps:              make(map[Capability]struct{}),
		sourcesHandles:    newHandlesMap(),
		variablesHandles:  newHandlesMap(),
		stackFrameHandles: newHandlesMap(),
		inflight:          make(map[int]context.CancelFunc),
		engineLog:         s.engineLog,
		defaultProgram:    s.defaultProgram,
		defaultArgs:       s.defaultArgs,
		defaultPid:        s.defaultPid,
	}
	sess.ctrl = s.newController(sess)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sess.ctrl.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return sess.sendFromQueue(ctx)
	})

	if output == nil {
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-sess.done:
			}
			return cancelableStdin.Close()
		})
	} else {
		g.Go(func() error {
			defer cancelableStdin.Close()

			scanner := bufio.NewScanner(output)
			for scanner.Scan() {
				sess.Output("stdout", scanner.Text()+"\n")
				select {
				case <-ctx.Done():
					return nil
				case <-sess.done:
					return nil
				default:
				}
			}

			return scanner.Err()
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sess.done:
				return nil
			default:
			}
			if err := sess.handleRequest(ctx); err != nil {
				return err
			}
		}
	})

	sess.sendWg.Wait()
	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return sess.err
}

// ListenAndServe accepts DAP connections on addr, serving each
// connection as its own session. Only one session runs at a time; a
// debuggee cannot be shared between front-ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("listening on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = s.Listen(ctx, nil, conn, conn)
		conn.Close()
		if err != nil {
			return err
		}
	}
}
