// vigilctl sends requests to a vigil server.
//
// Usage:
//
//	vigilctl [flags] eval 'web01:system.cpu.load.avg(5m)'
//	vigilctl [flags] put web01 system.cpu.load 1700000000 0.75
//	vigilctl [flags]            interactive shell, or one request per stdin line
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/client"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/loader"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/psktls"
	"github.com/xtxerr/vigil/internal/secure"
)

// Version is set at build time via ldflags
var Version = "dev"

type options struct {
	cfgPath  string
	server   string
	connect  string
	identity string
	pskFile  string
	caFile   string
	certFile string
	keyFile  string
	issuer   string
	subject  string
	timeout  time.Duration
	verbose  bool
}

func main() {
	var o options
	flag.StringVar(&o.cfgPath, "config", "", "read tls settings from a vigil config file")
	flag.StringVar(&o.server, "server", "localhost:10051", "server address")
	flag.StringVar(&o.connect, "connect", "", "connection type: unencrypted, psk or cert")
	flag.StringVar(&o.identity, "psk-identity", "", "PSK identity")
	flag.StringVar(&o.pskFile, "psk-file", "", "PSK file (prompted for when omitted on a terminal)")
	flag.StringVar(&o.caFile, "ca-file", "", "CA certificate file")
	flag.StringVar(&o.certFile, "cert-file", "", "client certificate file")
	flag.StringVar(&o.keyFile, "key-file", "", "client key file")
	flag.StringVar(&o.issuer, "server-cert-issuer", "", "required server certificate issuer")
	flag.StringVar(&o.subject, "server-cert-subject", "", "required server certificate subject")
	flag.DurationVar(&o.timeout, "timeout", 5*time.Second, "request timeout")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("vigilctl", Version)
		return
	}
	if err := run(o, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "vigilctl: %v\n", err)
		os.Exit(1)
	}
}

func run(o options, args []string) error {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logging.InitWithHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, creds, err := clientConfig(o)
	if err != nil {
		return err
	}
	defer creds.Wipe()

	ctx := context.Background()
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) > 0 {
		out, err := execute(ctx, c, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runShell(ctx, c, o.server)
		return nil
	}
	return runBatch(ctx, c, os.Stdin, os.Stdout)
}

// clientConfig builds the client configuration from the optional config
// file and the flags, which take precedence.
func clientConfig(o options) (client.Config, *credentials.Store, error) {
	tls := loader.DefaultConfig().TLS
	if o.cfgPath != "" {
		fileCfg, err := loader.Load(o.cfgPath)
		if err != nil {
			return client.Config{}, nil, err
		}
		tls = fileCfg.TLS
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&tls.Connect, o.connect)
	override(&tls.PSKIdentity, o.identity)
	override(&tls.PSKFile, o.pskFile)
	override(&tls.CAFile, o.caFile)
	override(&tls.CertFile, o.certFile)
	override(&tls.KeyFile, o.keyFile)
	override(&tls.ServerCertIssuer, o.issuer)
	override(&tls.ServerCertSubject, o.subject)

	cfg := loader.Config{TLS: tls}
	params, err := cfg.ConnectParams()
	if err != nil {
		return client.Config{}, nil, err
	}

	// Without a PSK file the key is read from the terminal.
	var prompted []byte
	if params.Mode == secure.ModePSK && tls.PSKFile == "" {
		if tls.PSKIdentity == "" {
			return client.Config{}, nil, fmt.Errorf("PSK identity is required: %w", errors.ErrConfiguration)
		}
		prompted, err = readPSK()
		if err != nil {
			return client.Config{}, nil, err
		}
		tls.PSKIdentity = ""
		cfg.TLS = tls
	}

	creds, err := credentials.Load(cfg.Credentials())
	if err != nil {
		clear(prompted)
		return client.Config{}, nil, err
	}
	if prompted != nil {
		creds.PSK = &credentials.PSKBundle{Identity: params.PSKIdentity, Key: prompted}
	}

	policy, err := ciphers.NewPolicy([]ciphers.Catalog{ciphers.StdCatalog{}, psktls.Catalog{}}, cfg.CipherOverrides())
	if err != nil {
		creds.Wipe()
		return client.Config{}, nil, err
	}
	sc, err := secure.NewSecurityContext(cfg.SecureConfig(), creds, policy, nil)
	if err != nil {
		creds.Wipe()
		return client.Config{}, nil, err
	}

	return client.Config{
		Addr:           o.server,
		Security:       sc,
		Params:         params,
		RequestTimeout: o.timeout,
	}, creds, nil
}

func readPSK() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("PSK file is required when stdin is not a terminal: %w", errors.ErrConfiguration)
	}
	fmt.Fprint(os.Stderr, "PSK: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read PSK: %v: %w", err, errors.ErrIO)
	}
	defer clear(raw)
	return credentials.DecodePSK(strings.TrimSpace(string(raw)))
}

// execute sends one request line, reconnecting first if the server ended
// the previous session.
func execute(ctx context.Context, c *client.Client, line string) (string, error) {
	if !c.IsConnected() {
		if err := c.Reconnect(ctx); err != nil {
			return "", err
		}
	}
	return c.Request(ctx, strings.TrimSpace(line))
}

// runBatch sends every non-empty line of r and prints one result per line.
// It stops at the first transport error; server errors are printed.
func runBatch(ctx context.Context, c *client.Client, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out, err := execute(ctx, c, line)
		switch {
		case err == nil:
			fmt.Fprintln(w, out)
		case errors.Is(err, client.ErrRemote):
			fmt.Fprintf(w, "error: %v\n", err)
		default:
			return err
		}
	}
	return scanner.Err()
}
