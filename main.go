package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxysocket/internal/dialer"
	"github.com/die-net/proxysocket/internal/logging"
	"github.com/die-net/proxysocket/internal/proxy"
	"github.com/die-net/proxysocket/internal/proxysocket"
	"github.com/die-net/proxysocket/internal/relay"
	"github.com/die-net/proxysocket/internal/resolve"
	"github.com/die-net/proxysocket/internal/stream"
)

var errorMsg = color.New(color.FgRed).FprintfFunc()

func main() {
	if err := run(); err != nil {
		errorMsg(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		proxyURL = pflag.String("proxy", defaultProxy(), "Proxy URL: socks5://host[:port] | socks5h://host[:port] | direct:// (forwarder and --http-get only)")
		listen   = pflag.String("listen", "", "Forward connections accepted on this address (e.g. 127.0.0.1:8022) to the target instead of relaying stdin/stdout")
		httpGet  = pflag.String("http-get", "", "Fetch this URL through the proxy and write the body to stdout")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for DNS lookup and TCP connect to the proxy")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the SOCKS5 handshake, including the proxy connect")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		dnsServer          = pflag.String("dns-server", "", "DNS server (host[:port]) or resolv.conf path for socks5:// local name resolution. Empty uses the system resolver.")
		maxConnRate        = pflag.Float64("max-conn-rate", 0, "With --listen, accept at most this many connections per second (0 = unlimited)")
		encoding           = pflag.String("encoding", "binary", "Write relayed output as: binary|utf8|latin1|hex|base64")
		logLevel           = pflag.String("log-level", "warn", "Log level: trace|debug|info|warn|error")
		logFormat          = pflag.String("log-format", "text", "Log format: text|json")
		verbose            = pflag.Bool("verbose", false, "Shorthand for --log-level=debug")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] host:port\n       %s [flags] --http-get URL\n\nFlags:\n", os.Args[0], os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *verbose {
		*logLevel = "debug"
	}
	logger, err := logging.New(*logLevel, *logFormat, os.Stderr)
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	enc, err := stream.ParseEncoding(*encoding)
	if err != nil {
		return fmt.Errorf("invalid --encoding: %w", err)
	}

	var target proxysocket.Endpoint
	switch {
	case *httpGet != "":
		if pflag.NArg() != 0 {
			return errors.New("--http-get takes no target argument")
		}
	case pflag.NArg() != 1:
		pflag.Usage()
		return errors.New("expected exactly one host:port target")
	default:
		target, err = proxysocket.ParseEndpoint(pflag.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
	}

	dns, err := parseDNSServer(*dnsServer, *dialTimeout)
	if err != nil {
		return fmt.Errorf("invalid --dns-server: %w", err)
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		DNSServer:          dns,
		Logger:             logger,
	}
	d, err := dialer.New(dialCfg, *proxyURL)
	if err != nil {
		return fmt.Errorf("invalid --proxy: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Infof("debug listening on %s", *debugListen)
	}

	switch {
	case *httpGet != "":
		g.Go(func() error {
			// Stop the debug server once the fetch is done.
			defer stop()
			return fetch(ctx, d, *httpGet, os.Stdout, logger)
		})

	case *listen != "":
		ln, err := proxy.ListenTCP(ctx, "tcp", *listen, ka)
		if err != nil {
			return err
		}
		srv := proxy.NewForwardServer(ctx, proxy.Config{KeepAlive: ka, Dialer: d, MaxConnRate: *maxConnRate, Logger: logger}, target.String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("forward serve: %w", err)
			}
			return nil
		})

	default:
		sd, ok := d.(*dialer.SOCKS5ProxyDialer)
		if !ok {
			return errors.New("relaying stdin/stdout requires a socks5:// proxy")
		}

		t := stream.NewTCPTransport(stream.Config{DialTimeout: *dialTimeout, KeepAlive: ka}, logger)
		s := proxysocket.New(proxysocket.Options{
			ProxyHost: sd.Proxy().Host,
			ProxyPort: sd.Proxy().Port,
			Logger:    logger,
		}, t)
		timedOut := armNegotiationTimeout(s, *negotiationTimeout)

		g.Go(func() error {
			defer stop()
			target, err := sd.Resolve(ctx, target)
			if err != nil {
				_ = s.Destroy()
				return err
			}
			err = relay.Run(ctx, s, target, relay.Input(os.Stdin), os.Stdout, relay.Options{Encoding: enc, Logger: logger})
			if timedOut() {
				err = fmt.Errorf("socks5 negotiation with %s timed out after %s", s.Proxy(), *negotiationTimeout)
			}
			return err
		})
	}

	err = g.Wait()
	logger.Debug("shutting down")
	return err
}

// armNegotiationTimeout destroys s if it has not reached Established within
// d, and reports whether it did. The relay's context must outlive the
// handshake, so a context deadline cannot do this.
func armNegotiationTimeout(s *proxysocket.Socket, d time.Duration) func() bool {
	var fired atomic.Bool
	if d <= 0 {
		return fired.Load
	}
	time.AfterFunc(d, func() {
		switch s.State() {
		case proxysocket.Idle, proxysocket.Connecting, proxysocket.Negotiating:
			fired.Store(true)
			_ = s.Destroy()
		}
	})
	return fired.Load
}

func fetch(ctx context.Context, d dialer.Dialer, url string, out io.Writer, log logrus.FieldLogger) error {
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:       nil,
			DialContext: d.DialContext,
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("http get %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get %s: %w", url, err)
	}
	defer resp.Body.Close()

	log.WithField("status", resp.Status).Info("response")
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("http get %s: read body: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("http get %s: %s", url, resp.Status)
	}
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// parseDNSServer accepts host[:port], defaulting the port to 53, or an
// absolute path to a resolv.conf file whose first nameserver is used.
func parseDNSServer(v string, timeout time.Duration) (string, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "", nil
	case strings.HasPrefix(v, "/"):
		r, err := resolve.FromResolvConf(v, timeout)
		if err != nil {
			return "", err
		}
		return r.Server(), nil
	}
	if _, _, err := net.SplitHostPort(v); err == nil {
		return v, nil
	}
	return net.JoinHostPort(strings.Trim(v, "[]"), "53"), nil
}

func defaultProxy() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "socks5://" + net.JoinHostPort(proxysocket.DefaultProxyHost, strconv.Itoa(proxysocket.DefaultProxyPort))
}
