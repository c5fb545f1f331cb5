// Package cmd wires the CLI flags into a packet engine and runs it,
// either as a long-running responder or for a single send.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"packetsender/config"
	"packetsender/internal/capture"
	"packetsender/internal/core"
	"packetsender/internal/metrics"
	"packetsender/internal/session"
	"packetsender/packet"
	"packetsender/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X packetsender/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options holds everything the flags set that is not a settings key.
type options struct {
	udp        bool
	tls        bool
	ascii      bool
	persistent bool

	settings    string
	envFile     string
	metricsAddr string
	pcap        string
	wait        time.Duration

	sshPassword bool
	verbose     int
	dryRun      bool
}

// Execute parses args and runs the engine.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("packetsender", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── send ─────────────────────────────────────────────────────
	fs.BoolVarP(&opts.udp, "udp", "u", false, "Send over UDP")
	fs.BoolVarP(&opts.tls, "tls", "s", false, "Send over TLS")
	fs.BoolVarP(&opts.ascii, "ascii", "a", false, "Payload is ASCII (with \\n style escapes), not hex")
	fs.BoolVar(&opts.persistent, "persistent", false, "Keep the TCP connection open and send stdin lines on it")
	fs.Bool("receive-first", false, "Read from the peer before sending")
	fs.Bool("delay", false, "Wait 500ms between connect and send")
	fs.DurationVarP(&opts.wait, "wait", "w", 2*time.Second, "How long a one-shot send waits for replies")

	// ── servers ──────────────────────────────────────────────────
	fs.Int("udp-port", 0, "UDP server port (0 = ephemeral)")
	fs.Int("tcp-port", 0, "TCP server port (0 = ephemeral)")
	fs.Int("ssl-port", 0, "SSL server port (0 = ephemeral)")
	fs.BoolP("ipv6", "6", false, "Bind dual-stack IPv6 instead of IPv4")
	fs.String("response", "", "Hex bytes to send back to every inbound packet")

	// ── settings ─────────────────────────────────────────────────
	fs.StringVar(&opts.settings, "settings", config.DefaultSettingsFile, "Settings file (YAML)")
	fs.StringVar(&opts.envFile, "env-file", "", "Load environment overrides from a .env file")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /status on this address")
	fs.StringVar(&opts.pcap, "pcap", "", "Record all traffic to a pcap file")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringP("tunnel", "T", "", "Send TCP/TLS through SSH gateway [user@]host[:port]")
	fs.String("ssh-key", "", "SSH private key file")
	fs.BoolVar(&opts.sshPassword, "ssh-password", false, "Prompt for SSH password")
	fs.Bool("ssh-agent", false, "Use SSH agent")
	fs.Bool("strict-hostkey", false, "Verify SSH host keys")
	fs.String("known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&opts.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate the configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "packetsender %s\n", version)
		return nil
	}

	target, err := parsePositional(fs.Args(), opts)
	if err != nil {
		return err
	}

	// ── configuration: flags > env > file > defaults ─────────────
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	file, err := config.LoadYAML(opts.settings)
	if err != nil {
		return err
	}
	cfg, err := config.Snapshot(config.Layered{flagStore(fs), config.NewEnvStore(), file})
	if err != nil {
		return err
	}

	if opts.dryRun {
		fmt.Fprintf(stdout, "configuration OK (UDP %d, TCP %d, SSL %d, IPv%d)\n",
			cfg.UDPPort, cfg.TCPPort, cfg.SSLPort, cfg.IPMode)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(opts.verbose)
	mc := metrics.New()
	engine := core.New(logger, core.WithMetrics(mc), core.WithPasswordPrompt(opts.sshPassword))

	out := &printer{out: stdout, errOut: stderr}
	engine.Events().Subscribe(out)

	if opts.pcap != "" {
		w, err := capture.Create(opts.pcap, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		engine.Events().Subscribe(w)
	}

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, newRouter(engine, mc), logger)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer stop()
	}

	if err := engine.Initialize(ctx, cfg); err != nil {
		return err
	}
	defer engine.Teardown() //nolint:errcheck

	if target == nil {
		fmt.Fprintf(stderr, "listening: UDP %d, TCP %d, SSL %d\n", engine.UDPPort(), engine.TCPPort(), engine.SSLPort())
		<-ctx.Done()
		return nil
	}
	return sendOnce(ctx, engine, *target, opts, stdin, out)
}

// target is the destination and payload of a one-shot send.
type target struct {
	host    string
	port    int
	payload []byte
}

func parsePositional(args []string, opts options) (*target, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 2, 3:
	default:
		return nil, fmt.Errorf("usage: packetsender [options] <host> <port> [payload]")
	}

	port, err := config.ParsePort(args[1])
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	t := &target{host: args[0], port: port}
	if len(args) == 3 {
		if t.payload, err = decodePayload(args[2], opts.ascii); err != nil {
			return nil, err
		}
	}
	if opts.udp && (opts.tls || opts.persistent) {
		return nil, fmt.Errorf("--udp cannot be combined with --tls or --persistent")
	}
	return t, nil
}

func decodePayload(s string, ascii bool) ([]byte, error) {
	if ascii {
		return packet.ASCIIToBytes(s), nil
	}
	b, err := packet.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("payload: %w (use --ascii for text)", err)
	}
	return b, nil
}

func sendOnce(ctx context.Context, e *core.Engine, t target, opts options, stdin io.Reader, out *printer) error {
	proto := packet.TCP
	if opts.udp {
		proto = packet.UDP
	}
	p := packet.New(proto, t.host, t.port, t.payload)
	p.TLS = opts.tls

	h, err := e.Send(p)
	if err != nil {
		return err
	}

	if h != "" && opts.persistent {
		if w, ok := e.Registry().Get(h); ok {
			if s, ok := w.(*session.Session); ok {
				relayLines(ctx, s, stdin, opts.ascii, out.errOut)
			}
		}
	}

	wctx, cancel := context.WithTimeout(ctx, opts.wait+e.Config().ResponseTimeout)
	defer cancel()
	if proto == packet.UDP {
		// Replies arrive on the UDP server; give them a moment.
		<-wctx.Done()
	} else if err := e.Registry().Wait(wctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("still waiting for %d worker(s)", e.Registry().Len())
	}

	if failed := out.failures(); len(failed) > 0 {
		return fmt.Errorf("send failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// relayLines sends each stdin line on the session until stdin ends,
// then closes the session.
func relayLines(ctx context.Context, s *session.Session, stdin io.Reader, ascii bool, errOut io.Writer) {
	defer s.Close() //nolint:errcheck

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			b, err := decodePayload(line, ascii)
			if err != nil {
				fmt.Fprintf(errOut, "* %v\n", err)
				continue
			}
			var p packet.Packet
			p.SetBytes(b)
			if err := s.Send(p); err != nil {
				return
			}
		}
	}
}

// flagStore turns the flags the user actually set into settings.
func flagStore(fs *flag.FlagSet) config.MapStore {
	keys := map[string]string{
		"udp-port":       config.KeyUDPPort,
		"tcp-port":       config.KeyTCPPort,
		"ssl-port":       config.KeySSLPort,
		"receive-first":  config.KeyAttemptReceive,
		"delay":          config.KeyDelayAfterConnect,
		"persistent":     config.KeyPersistentConnect,
		"response":       config.KeyResponseHex,
		"tunnel":         config.KeySSHTunnel,
		"ssh-key":        config.KeySSHKeyFile,
		"ssh-agent":      config.KeySSHAgent,
		"strict-hostkey": config.KeySSHStrictHost,
		"known-hosts":    config.KeySSHKnownHosts,
	}

	st := config.MapStore{}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			st[key] = f.Value.String()
		}
	})
	if fs.Changed("response") {
		st[config.KeySendResponse] = "true"
	}
	if fs.Changed("ipv6") {
		st[config.KeyIPMode] = "4"
		if v6, _ := fs.GetBool("ipv6"); v6 {
			st[config.KeyIPMode] = "6"
		}
	}
	return st
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `packetsender v%s

Send and receive TCP, TLS and UDP packets, with automatic replies.

Usage:
  packetsender [options]                            Serve and answer
  packetsender [options] <host> <port> [payload]    Send one packet

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  packetsender --response "48 65 6C 6C 6F" --udp-port 55056
  packetsender -u 192.168.1.10 9999 "AA BB CC"
  packetsender -a example.com 80 'GET / HTTP/1.0\r\n\r\n'
  packetsender -s -a example.com 443 'HEAD / HTTP/1.0\r\n\r\n'
  packetsender --persistent -a localhost 7000 hello
  packetsender -T admin@bastion db-internal 5432 00
`)
}
