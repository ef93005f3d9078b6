package command

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/viewizard/dncdbg-go/internal/buildinfo"
	"github.com/viewizard/dncdbg-go/internal/dbgapi"
	"github.com/viewizard/dncdbg-go/internal/debuginfo"
	"github.com/viewizard/dncdbg-go/internal/metadata"
	"github.com/viewizard/dncdbg-go/internal/session"
	"github.com/viewizard/dncdbg-go/rpc/dapserver"
	cli "github.com/urfave/cli/v2"
)

func App() *cli.App {
	app := cli.NewApp()
	app.Name = "dncdbg"
	app.Usage = "source-level debug adapter for managed runtimes"
	app.Description = "attaches to (or launches) a managed process and exposes a DAP request/response/event surface to an IDE front-end"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:  "attach",
			Usage: "attach to a running process by `pid`",
		},
		&cli.BoolFlag{
			Name:  "run",
			Usage: "launch the program given after -- when the session starts",
		},
		&cli.StringFlag{
			Name:  "server",
			Usage: "serve DAP over TCP on `addr` instead of stdio (a bare port is also accepted)",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "write session logs to `path` (stdout and stderr are accepted; overrides LOG_OUTPUT)",
		},
		&cli.StringFlag{
			Name:  "engineLogging",
			Usage: "write every DAP message exchanged to `path`",
		},
		&cli.BoolFlag{
			Name:  "version",
			Usage: "print the version and exit",
		},
		&cli.BoolFlag{
			Name:  "buildinfo",
			Usage: "print full build information and exit",
		},
	}
	app.Action = serveAction
	return app
}

func serveAction(c *cli.Context) error {
	if c.Bool("version") {
		fmt.Println(buildinfo.Version)
		return nil
	}
	if c.Bool("buildinfo") {
		fmt.Println(buildinfo.String())
		return nil
	}

	if err := configureLogging(c); err != nil {
		return err
	}

	var opts []dapserver.Option
	if path := c.String("engineLogging"); path != "" {
		w, err := openLogDestination(path)
		if err != nil {
			return err
		}
		opts = append(opts, dapserver.WithEngineLog(log.New(w, "", log.LstdFlags)))
	}
	if pid := c.Int("attach"); pid != 0 {
		opts = append(opts, dapserver.WithDefaultAttachPid(pid))
	}
	if c.Bool("run") && c.NArg() > 0 {
		args := c.Args().Slice()
		opts = append(opts, dapserver.WithDefaultTarget(args[0], args[1:]))
	}

	srv := dapserver.New(newController, opts...)

	ctx := context.Background()
	if addr := c.String("server"); addr != "" {
		if !strings.Contains(addr, ":") {
			addr = "127.0.0.1:" + addr
		}
		return srv.ListenAndServe(ctx, addr)
	}
	return srv.Listen(ctx, nil, os.Stdin, os.Stdout)
}

// configureLogging picks the session log destination: --log wins, then
// the LOG_OUTPUT environment variable, else logging is discarded.
func configureLogging(c *cli.Context) error {
	dest := c.String("log")
	if dest == "" {
		dest = os.Getenv("LOG_OUTPUT")
	}
	if dest == "" {
		log.SetOutput(ioutil.Discard)
		return nil
	}
	w, err := openLogDestination(dest)
	if err != nil {
		return err
	}
	log.SetOutput(w)
	return nil
}

func openLogDestination(dest string) (io.Writer, error) {
	switch dest {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

// newController wires a session controller against the platform's
// runtime-debug binding for each DAP session the server accepts.
func newController(events session.Events) *session.Controller {
	rt := newRuntime()
	evalr := newEvaluator()
	readers := func(mod dbgapi.Module) (debuginfo.Reader, string, error) {
		return openSymbolReader(mod)
	}
	install := func(rec *metadata.Record, token dbgapi.MethodToken, offset dbgapi.ILOffset) (dbgapi.Breakpoint, error) {
		return installBreakpoint(rec, token, offset)
	}
	return session.New(rt, readers, evalr, events, session.Config{JustMyCode: true}, install, newRangeInstaller(rt), newBreakpointInstaller(rt))
}
