package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/prxtunnel/internal/config"
	"github.com/sammck-go/prxtunnel/internal/engine"
	"github.com/sammck-go/prxtunnel/internal/logging"
	"github.com/sammck-go/prxtunnel/internal/msg"
	"github.com/sammck-go/prxtunnel/internal/ref"
	"github.com/sammck-go/prxtunnel/internal/transport"
)

const buildVersion = "0.1.0"

var help = `
  Usage: prxtunnel [command] [--help]

  Version: ` + buildVersion + `

  Commands:
    server - runs the proxy server engine, accepting remote clients over
             a WebSocket-framed control channel

  Read more:
    https://github.com/sammck-go/prxtunnel

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	version := flag.Bool("version", false, "")
	v := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	if *version || *v {
		fmt.Println(buildVersion)
		os.Exit(1)
	}

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "server":
		go sigIntHandler(ctx, ctxCancel)
		runServer(ctx, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

var serverHelp = `
  Usage: prxtunnel server [options]

  Options:

    --host, Interface the control-channel HTTP listener binds to (defaults
    to the HOST environment variable, falling back to 0.0.0.0).

    --port, -p, Port the control-channel HTTP listener binds to (defaults
    to the PORT environment variable, falling back to 8080).

    --key, An optional seed string for the proxy's host-key fingerprint.
    Given the same seed, the fingerprint printed at startup is stable
    across restarts; omitted, a fresh key (and fingerprint) is generated
    every run (defaults to the PRXTUNNEL_KEY environment variable).

    --policy-file, Path to a restricted_ports/policy_import/browse_fs
    config file (spec §6.2), reloaded automatically on change. Omitted,
    no ports are restricted.

    --codec, Wire codec used on the control channel: "json" (default) or
    "mpack".

    --pid, Generate a pid file in the current working directory.

    -v, Enable debug-level logging.

  Signals:
    The prxtunnel server process listens for:
      a SIGUSR2 to print live socket counts per lifecycle state, and
      a SIGINT/SIGTERM to begin graceful shutdown.

  Version:
    ` + buildVersion + `

`

func generatePidFile() {
	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile("prxtunnel.pid", pid, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write pid file: %s\n", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)

	host := flags.String("host", "", "")
	p := flags.String("p", "", "")
	port := flags.String("port", "", "")
	key := flags.String("key", "", "")
	policyFile := flags.String("policy-file", "", "")
	codecName := flags.String("codec", "json", "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")

	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}

	if *host == "" {
		*host = os.Getenv("HOST")
	}
	if *host == "" {
		*host = "0.0.0.0"
	}
	if *port == "" {
		*port = *p
	}
	if *port == "" {
		*port = os.Getenv("PORT")
	}
	if *port == "" {
		*port = "8080"
	}
	if *key == "" {
		*key = os.Getenv("PRXTUNNEL_KEY")
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New("prxtunnel", level)

	codecID, err := codecIDFromName(*codecName)
	if err != nil {
		logger.Logf(logging.LevelFatal, "server: %s", err)
		return
	}

	var cfg *config.Store
	if *policyFile != "" {
		cfg, err = config.NewStore(logger.Fork("config"), *policyFile, config.LoadFile)
		if err != nil {
			logger.Logf(logging.LevelFatal, "server: %s", err)
			return
		}
		defer cfg.Close()
	} else {
		cfg = config.NewStatic(nil)
	}

	_, pub, err := transport.GenerateHostKey(*key)
	if err != nil {
		logger.Logf(logging.LevelFatal, "server: %s", err)
		return
	}
	logger.ILogf("server: fingerprint %s", transport.FingerprintHostKey(pub))

	if *pid {
		generatePidFile()
	}

	srv := newControlServer(logger, codecID, cfg)
	addr := *host + ":" + *port
	logger.ILogf("server: listening on %s", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.ELogf("server: exited with error: %s", err)
	}
	logger.ILogf("server: exiting")
}

func codecIDFromName(name string) (msg.CodecID, error) {
	switch name {
	case "", "auto":
		return msg.CodecAuto, nil
	case "json":
		return msg.CodecJSON, nil
	case "mpack", "msgpack":
		return msg.CodecMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown --codec %q (want json or mpack)", name)
	}
}

// controlServer is the process-wide HTTP listener that upgrades each
// inbound request to a WebSocket control channel and hands it to a fresh
// engine.Engine (spec §4.5 responsibility 1, accept side). Grounded on
// share/server_handler.go's handleClientHandler/handleWebsocket: one
// session per accepted connection, sharing a single upgrader and an
// http.Server whose Shutdown is wired to ctx cancellation.
type controlServer struct {
	logger   logging.Logger
	codecID  msg.CodecID
	cfg      *config.Store
	upgrader websocket.Upgrader

	ctx context.Context

	mu       sync.Mutex
	sessions map[*engine.Engine]struct{}
}

func newControlServer(logger logging.Logger, codecID msg.CodecID, cfg *config.Store) *controlServer {
	return &controlServer{
		logger:   logger,
		codecID:  codecID,
		cfg:      cfg,
		sessions: make(map[*engine.Engine]struct{}),
	}
}

func (s *controlServer) ListenAndServe(ctx context.Context, addr string) error {
	s.ctx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	go s.handleSIGUSR2()

	select {
	case <-ctx.Done():
		httpSrv.Close()
		s.closeSessions()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *controlServer) handleSIGUSR2() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR2)
	for range sig {
		s.dumpStats()
	}
}

func (s *controlServer) dumpStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.sessions {
		s.logger.ILogf("server: stats %v", e.Stats())
	}
}

func (s *controlServer) closeSessions() {
	s.mu.Lock()
	sessions := make([]*engine.Engine, 0, len(s.sessions))
	for e := range s.sessions {
		sessions = append(sessions, e)
	}
	s.mu.Unlock()
	for _, e := range sessions {
		e.Close()
	}
}

func (s *controlServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(buildVersion))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DLogErrorf("server: websocket upgrade failed: %s", err)
		return
	}

	selfRef, err := ref.New()
	if err != nil {
		s.logger.ELogf("server: failed to allocate session ref: %s", err)
		ws.Close()
		return
	}

	e, err := engine.NewAccepted(s.ctx, s.logger.Fork("engine"), selfRef, ws, s.codecID, s.cfg)
	if err != nil {
		s.logger.ELogf("server: failed to start engine for accepted connection: %s", err)
		ws.Close()
		return
	}

	s.mu.Lock()
	s.sessions[e] = struct{}{}
	s.mu.Unlock()

	go func() {
		e.WaitShutdown()
		s.mu.Lock()
		delete(s.sessions, e)
		s.mu.Unlock()
	}()
}
