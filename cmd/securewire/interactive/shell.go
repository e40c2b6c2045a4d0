// Package interactive provides the interactive command-line shell for
// the securewire CLI: a readline loop over host/port/connection state
// with benchmark and metrics commands, mirroring the sandbox driver
// the original protocol shipped alongside its library.
package interactive

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/tecstylos/securewire/pkg/acceptor"
	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/discovery"
	"github.com/tecstylos/securewire/pkg/handshake"
	"github.com/tecstylos/securewire/pkg/log"
	"github.com/tecstylos/securewire/pkg/packet"
	"github.com/tecstylos/securewire/pkg/session"
	"github.com/tecstylos/securewire/pkg/transport"
	"github.com/tecstylos/securewire/pkg/wire"
)

// benchmarkPacketType carries bulk payloads during "benchmark data";
// no callback is registered for it, so received payloads stay in the
// peer's receive queue for that type.
const benchmarkPacketType = wire.FirstUserPacketType

// Shell drives an interactive session over one connection at a time,
// either dialed out (client mode) or accepted (server mode).
type Shell struct {
	cfg    config.Config
	logger log.Logger
	rl     *readline.Instance

	mode string // "client" or "server"

	mu   sync.Mutex
	t    *transport.Transport
	sess *session.Session
	acc  *acceptor.Acceptor
}

// New builds a Shell for the given mode ("client" or "server") using
// cfg as the starting configuration.
func New(mode string, cfg config.Config, logger log.Logger) (*Shell, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "securewire> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("interactive: create readline: %w", err)
	}
	return &Shell{
		cfg:    cfg,
		logger: logger,
		rl:     rl,
		mode:   mode,
	}, nil
}

// Run starts the command loop and blocks until the user exits.
func (s *Shell) Run() {
	defer s.rl.Close()
	defer s.teardown()

	if s.mode == "server" {
		if err := s.startListening(); err != nil {
			fmt.Fprintf(s.rl.Stderr(), "failed to start listening: %v\n", err)
			return
		}
	}

	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "host":
			s.cmdHost(args)
		case "port":
			s.cmdPort(args)
		case "nodelay":
			s.cmdNoDelay(args)
		case "connect":
			s.cmdConnect()
		case "disconnect":
			s.cmdDisconnect()
		case "benchmark":
			s.cmdBenchmark(args)
		case "metrics":
			s.cmdMetrics()
		case "resetmetrics":
			s.cmdResetMetrics()
		case "exit", "quit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return
		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
securewire commands:
  host <name>              - set the target host (client mode)
  port <n>                 - set the target port
  nodelay <true|false>     - toggle TCP_NODELAY on future connections
  connect                  - dial host:port and run the handshake (client mode)
  disconnect               - close the active session
  benchmark data <bytes>   - push a payload of the given size and report write throughput
  benchmark ping [count]   - round-trip N pings (default 10) and report average latency
  metrics                  - show cumulative byte/op counters for the active connection
  resetmetrics             - zero the active connection's counters
  help                     - show this help
  exit                     - quit`)
}

func (s *Shell) cmdHost(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(s.rl.Stdout(), "host = %s\n", s.cfg.Acceptor.Host)
		return
	}
	s.cfg.Acceptor.Host = args[0]
	fmt.Fprintf(s.rl.Stdout(), "host set to %s\n", args[0])
}

func (s *Shell) cmdPort(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(s.rl.Stdout(), "port = %d\n", s.cfg.Acceptor.Port)
		return
	}
	p, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "invalid port: %v\n", err)
		return
	}
	s.cfg.Acceptor.Port = p
	fmt.Fprintf(s.rl.Stdout(), "port set to %d\n", p)
}

func (s *Shell) cmdNoDelay(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(s.rl.Stdout(), "nodelay = %v\n", s.cfg.Transport.NoDelay)
		return
	}
	v, err := strconv.ParseBool(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "invalid bool: %v\n", err)
		return
	}
	s.cfg.Transport.NoDelay = v
	fmt.Fprintf(s.rl.Stdout(), "nodelay set to %v\n", v)
}

func (s *Shell) cmdConnect() {
	if s.mode != "client" {
		fmt.Fprintln(s.rl.Stdout(), "connect is only valid in client mode; server mode waits for incoming connections")
		return
	}

	s.mu.Lock()
	if s.sess != nil {
		s.mu.Unlock()
		fmt.Fprintln(s.rl.Stdout(), "already connected; run disconnect first")
		return
	}
	s.mu.Unlock()

	t, err := transport.Connect(s.cfg.Acceptor.Host, s.cfg.Acceptor.Port, s.cfg.Transport.NoDelay)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "connect failed: %v\n", err)
		return
	}

	symCipher, err := handshake.RunClient(t, s.cfg.Handshake, "", s.logger)
	if err != nil {
		t.Disconnect()
		fmt.Fprintf(s.rl.Stdout(), "handshake failed: %v\n", err)
		return
	}

	sess := session.New(t, symCipher, s.cfg.Session, "", s.logger)
	registerPingResponder(sess)

	s.mu.Lock()
	s.t = t
	s.sess = sess
	s.mu.Unlock()

	fmt.Fprintf(s.rl.Stdout(), "connected to %s:%d\n", s.cfg.Acceptor.Host, s.cfg.Acceptor.Port)
}

func (s *Shell) cmdDisconnect() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.t = nil
	s.mu.Unlock()

	if sess == nil {
		fmt.Fprintln(s.rl.Stdout(), "not connected")
		return
	}
	sess.Disconnect()
	fmt.Fprintln(s.rl.Stdout(), "disconnected")
}

func (s *Shell) cmdBenchmark(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "usage: benchmark data <bytes> | benchmark ping [count]")
		return
	}

	sess, t := s.activeConnection()
	if sess == nil {
		fmt.Fprintln(s.rl.Stdout(), "not connected")
		return
	}

	switch strings.ToLower(args[0]) {
	case "data":
		s.benchmarkData(sess, t, args[1:])
	case "ping":
		s.benchmarkPing(sess, args[1:])
	default:
		fmt.Fprintf(s.rl.Stdout(), "unknown benchmark: %s\n", args[0])
	}
}

func (s *Shell) benchmarkData(sess *session.Session, t *transport.Transport, args []string) {
	size := 1 << 20 // 1 MiB default
	if len(args) >= 1 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			size = n
		}
	}

	payload := make([]byte, size)
	body := packet.NewPacketBufferFrom(payload)

	before := t.Metrics().BytesWritten()
	start := time.Now()
	id := sess.Push(benchmarkPacketType, 0, 0, body)
	sess.Wait(id)
	elapsed := time.Since(start)
	after := t.Metrics().BytesWritten()

	sent := after - before
	bytesPerSec := float64(sent) / elapsed.Seconds()
	t.Metrics().SetAverageReadSpeed(bytesPerSec)

	fmt.Fprintf(s.rl.Stdout(), "sent %d bytes in %s (%.2f MB/s)\n", sent, elapsed, bytesPerSec/(1<<20))
}

func (s *Shell) benchmarkPing(sess *session.Session, args []string) {
	count := 10
	if len(args) >= 1 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			count = n
		}
	}

	var total time.Duration
	ok := 0
	for i := 0; i < count; i++ {
		start := time.Now()
		sess.Push(wire.Ping, 0, 0, nil)
		pkt, got := sess.PullTimeout(wire.PingReply, 5*time.Second)
		if !got {
			fmt.Fprintf(s.rl.Stdout(), "ping %d/%d timed out\n", i+1, count)
			continue
		}
		pkt.Release()
		total += time.Since(start)
		ok++
	}

	if ok == 0 {
		fmt.Fprintln(s.rl.Stdout(), "no pings succeeded")
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%d/%d pings succeeded, average round trip %s\n", ok, count, total/time.Duration(ok))
}

func (s *Shell) cmdMetrics() {
	_, t := s.activeConnection()
	if t == nil {
		fmt.Fprintln(s.rl.Stdout(), "not connected")
		return
	}
	m := t.Metrics()
	fmt.Fprintf(s.rl.Stdout(), "bytes read:    %d (%d ops)\n", m.BytesRead(), m.ReadOps())
	fmt.Fprintf(s.rl.Stdout(), "bytes written: %d (%d ops)\n", m.BytesWritten(), m.WriteOps())
	fmt.Fprintf(s.rl.Stdout(), "avg write speed: %.2f MB/s\n", m.AverageReadSpeed()/(1<<20))
}

func (s *Shell) cmdResetMetrics() {
	_, t := s.activeConnection()
	if t == nil {
		fmt.Fprintln(s.rl.Stdout(), "not connected")
		return
	}
	t.Metrics().Reset()
	fmt.Fprintln(s.rl.Stdout(), "metrics reset")
}

func (s *Shell) activeConnection() (*session.Session, *transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.t
}

func (s *Shell) startListening() error {
	acc, err := acceptor.New(s.cfg.Acceptor, s.cfg.Handshake, s.cfg.Session, s.onAccept, s.logger)
	if err != nil {
		return err
	}
	s.acc = acc
	if s.cfg.Acceptor.Advertise {
		fmt.Fprintf(s.rl.Stdout(), "advertising as %s under %s\n", s.cfg.Acceptor.ServiceInstance, discovery.ServiceType)
	}
	go func() {
		if err := acc.Run(); err != nil {
			fmt.Fprintf(s.rl.Stderr(), "accept loop stopped: %v\n", err)
		}
	}()
	fmt.Fprintf(s.rl.Stdout(), "listening on %s\n", acc.Addr())
	return nil
}

func (s *Shell) onAccept(sess *session.Session) {
	registerPingResponder(sess)

	s.mu.Lock()
	if s.sess != nil {
		s.sess.Disconnect()
	}
	s.sess = sess
	s.mu.Unlock()

	fmt.Fprintln(s.rl.Stdout(), "\naccepted a connection")

	<-sess.Disconnected()

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
}

func registerPingResponder(sess *session.Session) {
	sess.RegisterRecvCallback(wire.Ping, func(pkt packet.Packet, _ int) {
		pkt.Release()
		sess.Push(wire.PingReply, 0, 0, nil)
	})
}

func (s *Shell) teardown() {
	s.mu.Lock()
	sess := s.sess
	acc := s.acc
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	if acc != nil {
		acc.Close()
	}
}
