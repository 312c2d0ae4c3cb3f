package main

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	outnet "github.com/xsuchy/outnet"
)

type options struct {
	logLevel uint32
	config   string
	server   string
	protocol string
	qtype    string
	dnssec   bool
	caps     bool
	timeout  time.Duration
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "outnet-dig <qname>",
		Short: "Send a DNS query through the outbound network engine",
		Long: `Send a DNS query through the outbound network engine.

Exercises the same transport a recursive resolver would use: randomized
source ports and transaction IDs, EDNS probing with fallback to plain DNS,
fallback to TCP on truncation, and connection reuse for TCP and TLS
upstreams.
`,
		Example: `  outnet-dig -s 9.9.9.9:53 example.com
  outnet-dig -s 9.9.9.9:853 -p tls -t AAAA example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args[0])
		},
		SilenceUsage: true,
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")
	cmd.Flags().StringVarP(&opt.config, "config", "c", "", "Engine config file (TOML)")
	cmd.Flags().StringVarP(&opt.server, "server", "s", "", "Upstream server address (host:port)")
	cmd.Flags().StringVarP(&opt.protocol, "protocol", "p", "", "udp, tcp or tls")
	cmd.Flags().StringVarP(&opt.qtype, "type", "t", "A", "Query type")
	cmd.Flags().BoolVar(&opt.dnssec, "dnssec", false, "Set the DO bit")
	cmd.Flags().BoolVar(&opt.caps, "caps", false, "Randomize the 0x20 bits of the qname")
	cmd.Flags().DurationVar(&opt.timeout, "timeout", 10*time.Second, "Give up after this long")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, qname string) error {
	cfg, err := loadConfig(opt.config)
	if err != nil {
		return err
	}
	if opt.server != "" {
		cfg.Server.Address = opt.server
	}
	if opt.protocol != "" {
		cfg.Server.Protocol = opt.protocol
	}
	if cfg.Server.Address == "" {
		return fmt.Errorf("no server address given")
	}
	addr, err := netip.ParseAddrPort(cfg.Server.Address)
	if err != nil {
		return err
	}
	qtype, ok := dns.StringToType[strings.ToUpper(opt.qtype)]
	if !ok {
		return fmt.Errorf("unknown query type %q", opt.qtype)
	}

	outnet.Log.SetLevel(logrus.Level(opt.logLevel))

	engineOpt, err := cfg.engineOptions()
	if err != nil {
		return err
	}
	engineOpt.UseCapsForID = engineOpt.UseCapsForID || opt.caps
	o, err := outnet.New(engineOpt)
	if err != nil {
		return err
	}
	defer o.Close()

	sqOpt := outnet.ServicedQueryOpts{
		Name:        qname,
		Qtype:       qtype,
		Flags:       outnet.BitRD,
		Addr:        addr,
		TCPUpstream: cfg.Server.Protocol == "tcp",
		TLSUpstream: cfg.Server.Protocol == "tls",
		TLSAuthName: cfg.Server.TLSAuthName,
	}
	if opt.dnssec {
		sqOpt.DNSSEC = outnet.EDNSDO
	}

	type result struct {
		reply *dns.Msg
		rtt   time.Duration
		err   error
	}
	done := make(chan result, 1)
	_, err = o.ServicedQuery(sqOpt, func(reply *dns.Msg, rtt time.Duration, err error) {
		done <- result{reply, rtt, err}
	}, "outnet-dig")
	if err != nil {
		return err
	}

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		fmt.Println(r.reply)
		fmt.Printf(";; Query time: %s\n;; SERVER: %s\n", r.rtt, addr)
		return nil
	case <-time.After(opt.timeout):
		return fmt.Errorf("no answer within %s", opt.timeout)
	}
}
