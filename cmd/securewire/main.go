// Command securewire is the reference driver for the securewire
// transport: an interactive shell that can dial out as a client or
// listen as a server, then push data and pings over the resulting
// session and report throughput and round-trip metrics.
//
// Usage:
//
//	securewire [flags]
//
// Flags:
//
//	-mode string        client or server (default "client")
//	-host string        target host to dial in client mode (default "127.0.0.1")
//	-port int           port to dial or listen on
//	-nodelay            set TCP_NODELAY on the connection (default true)
//	-advertise          advertise via mDNS in server mode
//	-service string     mDNS instance name to advertise (default "securewire")
//	-key string         path to a persisted RSA keypair (server mode)
//	-passphrase string  passphrase protecting the keypair file at rest
//	-config string      YAML configuration file overlaying the defaults
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tecstylos/securewire/cmd/securewire/interactive"
	"github.com/tecstylos/securewire/pkg/config"
	"github.com/tecstylos/securewire/pkg/log"
)

func main() {
	mode := flag.String("mode", "client", "client or server")
	host := flag.String("host", "127.0.0.1", "target host to dial in client mode")
	port := flag.Int("port", 4433, "port to dial or listen on")
	noDelay := flag.Bool("nodelay", true, "set TCP_NODELAY on the connection")
	advertise := flag.Bool("advertise", false, "advertise via mDNS in server mode")
	serviceInstance := flag.String("service", "securewire", "mDNS instance name to advertise")
	keyPath := flag.String("key", "", "path to a persisted RSA keypair (server mode)")
	passphrase := flag.String("passphrase", "", "passphrase protecting the keypair file at rest")
	configPath := flag.String("config", "", "YAML configuration file overlaying the defaults")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "securewire: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if *mode != "client" && *mode != "server" {
		fmt.Fprintf(os.Stderr, "securewire: -mode must be \"client\" or \"server\", got %q\n", *mode)
		os.Exit(1)
	}

	cfg.Acceptor.Host = *host
	cfg.Acceptor.Port = *port
	cfg.Transport.NoDelay = *noDelay
	cfg.Acceptor.Advertise = *advertise
	cfg.Acceptor.ServiceInstance = *serviceInstance
	cfg.Acceptor.KeyPath = *keyPath
	cfg.Acceptor.KeyPassphrase = *passphrase

	logger := log.NoopLogger{}

	shell, err := interactive.New(*mode, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securewire: %v\n", err)
		os.Exit(1)
	}
	shell.Run()
}
