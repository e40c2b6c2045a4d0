// Package acceptor implements the server side of the connection
// lifecycle: bind a listener, generate or load a long-lived keypair,
// and for every accepted connection run the handshake and hand the
// resulting session to caller-supplied code on a fire-and-forget task.
package acceptor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/discovery"
	"github.com/tecstylos/securewire/pkg/handshake"
	"github.com/tecstylos/securewire/pkg/keyexchange"
	"github.com/tecstylos/securewire/pkg/keystore"
	"github.com/tecstylos/securewire/pkg/log"
	"github.com/tecstylos/securewire/pkg/session"
	"github.com/tecstylos/securewire/pkg/transport"
)

// SessionFunc is invoked with a fully established session once its
// connection completes the handshake. It runs on its own goroutine;
// the acceptor never waits for it to return.
type SessionFunc func(sess *session.Session)

// ExceptionFunc receives any fault an accepted connection's task hits
// before or during SessionFunc - handshake failure or a panic
// recovered from SessionFunc itself. Accept errors are not reported
// here; Run returns them.
type ExceptionFunc func(connID string, err error)

// Acceptor binds a TCP listener and drives the accept loop described
// in the session lifecycle: accept, wrap, hand off, repeat. It owns
// the long-lived RSA keypair under which every accepted connection's
// handshake receives its wrapped session key.
type Acceptor struct {
	listener net.Listener
	provider *keyexchange.KeyExchangeProvider
	acceptor config.AcceptorConfig
	hcfg     config.HandshakeConfig
	scfg     config.SessionConfig
	logger   log.Logger

	onSession   SessionFunc
	onException ExceptionFunc

	advertiser *discovery.Advertiser

	closeOnce sync.Once
	closed    chan struct{}
}

// New binds a listener on cfg.Host:cfg.Port and loads or generates the
// acceptor's RSA keypair. If cfg.KeyPath is empty a fresh keypair is
// generated and lives only for this process's lifetime; otherwise the
// keypair is loaded from cfg.KeyPath (encrypted under cfg.KeyPassphrase
// if non-empty), generating and saving one there if it doesn't exist.
// Any other load failure is returned as an error.
func New(cfg config.AcceptorConfig, hcfg config.HandshakeConfig, scfg config.SessionConfig, onSession SessionFunc, logger log.Logger) (*Acceptor, error) {
	if onSession == nil {
		return nil, fmt.Errorf("acceptor: onSession must not be nil")
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}

	provider, err := loadOrGenerateKey(cfg, hcfg)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}

	a := &Acceptor{
		listener:  ln,
		provider:  provider,
		acceptor:  cfg,
		hcfg:      hcfg,
		scfg:      scfg,
		logger:    logger,
		onSession: onSession,
		closed:    make(chan struct{}),
	}

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.ServiceInstance, port)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("acceptor: advertise: %w", err)
		}
		a.advertiser = adv
	}

	return a, nil
}

func loadOrGenerateKey(cfg config.AcceptorConfig, hcfg config.HandshakeConfig) (*keyexchange.KeyExchangeProvider, error) {
	if cfg.KeyPath == "" {
		return keyexchange.Generate(hcfg.RSAKeyBits)
	}
	provider, err := keystore.Load(cfg.KeyPath, cfg.KeyPassphrase)
	if err == nil {
		return provider, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("acceptor: load key: %w", err)
	}
	provider, genErr := keyexchange.Generate(hcfg.RSAKeyBits)
	if genErr != nil {
		return nil, fmt.Errorf("acceptor: generate key: %w", genErr)
	}
	if saveErr := keystore.Save(cfg.KeyPath, provider, cfg.KeyPassphrase); saveErr != nil {
		return nil, fmt.Errorf("acceptor: save key: %w", saveErr)
	}
	return provider, nil
}

// SetExceptionHandler registers a callback invoked whenever an
// accepted connection's task fails before yielding a usable session.
// Pass nil to deregister.
func (a *Acceptor) SetExceptionHandler(fn ExceptionFunc) {
	a.onException = fn
}

// Addr returns the listener's bound address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// PublicKey exposes the acceptor's public key, e.g. for out-of-band
// distribution to clients that pin it.
func (a *Acceptor) PublicKey() []byte {
	pem, _ := a.provider.ExportPublicPEM()
	return pem
}

// Run drives the accept loop until Close is called. Each accepted
// connection is handed a fire-and-forget goroutine: the loop itself
// never blocks on a single connection's handshake or session.
func (a *Acceptor) Run() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closed:
				return nil
			default:
				return fmt.Errorf("acceptor: accept: %w", err)
			}
		}
		go a.handleConnection(conn)
	}
}

func (a *Acceptor) handleConnection(conn net.Conn) {
	connID := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			a.reportException(connID, fmt.Errorf("acceptor: panic in session task: %v", r))
		}
	}()

	t := transport.New(conn)

	a.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		LocalRole:    log.RoleServer,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityTransport,
			NewState: "ACCEPTED",
		},
	})

	symCipher, err := handshake.RunServer(t, a.provider, a.hcfg, connID, a.logger)
	if err != nil {
		t.Disconnect()
		a.reportException(connID, fmt.Errorf("acceptor: handshake: %w", err))
		return
	}

	sess := session.New(t, symCipher, a.scfg, connID, a.logger)
	a.onSession(sess)
}

func (a *Acceptor) reportException(connID string, err error) {
	a.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryError,
		LocalRole:    log.RoleServer,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: "accept loop connection task",
		},
	})
	if a.onException != nil {
		a.onException(connID, err)
	}
}

// Close stops the accept loop and releases the listener. It is
// idempotent; connections already handed to a SessionFunc are left
// running.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.advertiser != nil {
			a.advertiser.Shutdown()
		}
		err = a.listener.Close()
	})
	return err
}
