package main

import (
	"fmt"
	"log"
	"os"

	sniproxy "github.com/dstennix/sniproxy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// buildVersion is set at link time with -ldflags, the way the teacher CLI
// prints rdns.BuildVersion/BuildNumber/BuildTime via printVersion().
var buildVersion = "dev"

type options struct {
	configPath  string
	foreground  bool
	maxNoFiles  int
	showVersion bool
}

func main() {
	// A binder child is a re-exec of this same binary, started by
	// StartBinder before any privilege drop. It never reaches the cobra
	// CLI: it only serves privileged bind(2) requests over the fd its
	// parent installed, per §4.7.
	if sniproxy.IsBinderChild() {
		if err := sniproxy.RunBinderChild(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	var opt options
	cmd := &cobra.Command{
		Use:   "sniproxy",
		Short: "Transparent, content-aware TLS/DTLS/HTTP reverse proxy",
		Long: `sniproxy inspects the first bytes of a client's handshake to
extract the intended destination hostname (TLS/DTLS SNI or the HTTP Host
header), routes it through a configured table of backends, and relays
bytes in both directions until either side closes. It never decrypts
traffic and holds no TLS keys.`,
		Example: "  sniproxy -c /etc/sniproxy.conf",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "/etc/sniproxy.conf", "path to configuration file")
	cmd.Flags().BoolVarP(&opt.foreground, "foreground", "f", false, "log in text format instead of JSON (sniproxy never daemonizes)")
	cmd.Flags().IntVarP(&opt.maxNoFiles, "max-files", "n", 0, "raise RLIMIT_NOFILE to this value (0 = leave unchanged)")
	cmd.Flags().BoolVarP(&opt.showVersion, "version", "V", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(2)
	}
}

func run(opt options) error {
	if opt.showVersion {
		fmt.Println("sniproxy", buildVersion)
		return nil
	}

	cfg, err := loadConfig(opt.configPath)
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}

	if opt.maxNoFiles > 0 {
		if err := raiseNoFileLimit(opt.maxNoFiles); err != nil {
			sniproxy.Log.WithError(err).Warn("failed to raise RLIMIT_NOFILE")
		}
	}

	var binder *sniproxy.Binder
	if needsBinder(cfg) {
		binder, err = sniproxy.StartBinder()
		if err != nil {
			log.Printf("starting binder: %v", err)
			os.Exit(1)
		}
		defer binder.Stop()
	}

	reactor, err := buildReactor(cfg, opt.configPath, binder)
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}

	if !opt.foreground {
		sniproxy.Log.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := reactor.Run(); err != nil {
		sniproxy.Log.WithError(err).Error("reactor exited with error")
		os.Exit(2)
	}
	return nil
}

// needsBinder reports whether any configured listener requires the
// privileged bind helper, so sniproxy only pays the fork(2) cost when a
// config actually asks for transparent proxying.
func needsBinder(cfg config) bool {
	for _, lc := range cfg.Listeners {
		if lc.TransparentProxy {
			return true
		}
	}
	return false
}

// buildReactor translates a parsed config into a running Reactor: tables
// first (leaves, per the dependency order in §3), then listeners that
// reference them by name, the way the teacher CLI's start() instantiates
// resolvers before the listeners that depend on them.
func buildReactor(cfg config, configPath string, binder *sniproxy.Binder) (*sniproxy.Reactor, error) {
	tables := make(map[string]*sniproxy.Table, len(cfg.Tables))
	reactor := sniproxy.NewReactor(sniproxy.ReactorOptions{
		ReloadFunc: func() (*sniproxy.TableSet, error) {
			fresh, err := loadConfig(configPath)
			if err != nil {
				return nil, err
			}
			return buildTableSet(fresh)
		},
	})

	for name, rules := range cfg.Tables {
		t := sniproxy.NewTable(name)
		for _, rc := range rules {
			b, err := sniproxy.NewBackend(rc.Pattern, rc.Target, rc.UseProxyHeader)
			if err != nil {
				return nil, err
			}
			t.Add(b)
		}
		tables[name] = t
		reactor.AddTable(t)
	}

	var mode sniproxy.ResolveMode
	switch cfg.Global.ResolveMode {
	case "ipv4_only":
		mode = sniproxy.ResolveIPv4Only
	case "ipv6_only":
		mode = sniproxy.ResolveIPv6Only
	case "ipv4_first":
		mode = sniproxy.ResolveIPv4First
	case "ipv6_first":
		mode = sniproxy.ResolveIPv6First
	}

	var resolver sniproxy.Resolver = sniproxy.NewNetResolver()
	if len(cfg.Global.Nameservers) > 0 {
		resolver = sniproxy.NewDNSResolver(cfg.Global.Nameservers[0])
	}

	for id, lc := range cfg.Listeners {
		table, ok := tables[lc.Table]
		if !ok {
			return nil, &sniproxy.ConfigError{Context: "listener " + id, Reason: sniproxy.ErrMissingTable}
		}

		var fallback *sniproxy.Address
		if lc.FallbackAddress != "" {
			addr, err := sniproxy.ParseAddress(lc.FallbackAddress)
			if err != nil {
				return nil, err
			}
			fallback = &addr
		}
		var source *sniproxy.Address
		if lc.SourceAddress != "" {
			addr, err := sniproxy.ParseAddress(lc.SourceAddress)
			if err != nil {
				return nil, err
			}
			source = &addr
		}

		accessLog := sniproxy.AccessLogger(sniproxy.Silent{})
		if lc.AccessLogPath != "" {
			f, err := os.OpenFile(lc.AccessLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			accessLog = log.New(f, "", log.LstdFlags)
		}

		opt := sniproxy.ListenOptions{
			Table:            table,
			FallbackAddress:  fallback,
			SourceAddress:    source,
			TransparentProxy: lc.TransparentProxy,
			AccessLog:        accessLog,
			LogBadRequests:   lc.LogBadRequests,
			Resolver:         resolver,
			ResolveMode:      mode,
		}
		if lc.TransparentProxy {
			opt.Binder = binder
		}

		switch lc.Protocol {
		case "tls":
			opt.Protocol = sniproxy.ProtocolTLS
			ln, err := sniproxy.NewTCPListener(id, lc.Address, opt)
			if err != nil {
				return nil, err
			}
			reactor.AddListener(ln)
		case "http":
			opt.Protocol = sniproxy.ProtocolHTTP
			ln, err := sniproxy.NewTCPListener(id, lc.Address, opt)
			if err != nil {
				return nil, err
			}
			reactor.AddListener(ln)
		case "dtls":
			ln, err := sniproxy.NewDTLSListener(id, lc.Address, opt)
			if err != nil {
				return nil, err
			}
			reactor.AddListener(ln)
		default:
			return nil, fmt.Errorf("listener %q: unsupported protocol %q", id, lc.Protocol)
		}
	}

	return reactor, nil
}

func buildTableSet(cfg config) (*sniproxy.TableSet, error) {
	set := sniproxy.NewTableSet()
	for name, rules := range cfg.Tables {
		t := sniproxy.NewTable(name)
		for _, rc := range rules {
			b, err := sniproxy.NewBackend(rc.Pattern, rc.Target, rc.UseProxyHeader)
			if err != nil {
				return nil, err
			}
			t.Add(b)
		}
		set.Add(t)
	}
	return set, nil
}

// raiseNoFileLimit sets RLIMIT_NOFILE, matching the -n flag's contract in
// §6.
func raiseNoFileLimit(n int) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	rlim.Cur = uint64(n)
	if rlim.Max < rlim.Cur {
		rlim.Max = rlim.Cur
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}
