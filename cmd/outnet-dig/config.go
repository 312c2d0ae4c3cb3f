package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	outnet "github.com/xsuchy/outnet"
)

type config struct {
	Title   string
	Server  server
	Engine  engine
	Logging logging
}

type server struct {
	Address     string
	Protocol    string // "udp" (default), "tcp", "tls"
	CA          string
	ClientKey   string `toml:"client-key"`
	ClientCrt   string `toml:"client-crt"`
	TLSAuthName string `toml:"tls-auth-name"`
}

type engine struct {
	Interfaces        []string
	Ports             []uint16
	NumTCP            int `toml:"num-tcp"`
	TCPReuseMax       int `toml:"tcp-reuse-max"`
	DSCP              int
	TCPMSS            int  `toml:"tcp-mss"`
	UnwantedThreshold int  `toml:"unwanted-threshold"`
	DelayCloseMS      int  `toml:"delay-close"`
	UseCapsForID      bool `toml:"use-caps-for-id"`
	TLSNoSNI          bool `toml:"tls-no-sni"`
}

type logging struct {
	Syslog         bool
	SyslogNetwork  string `toml:"syslog-network"`
	SyslogAddress  string `toml:"syslog-address"`
	SyslogPriority int    `toml:"syslog-priority"`
	SyslogTag      string `toml:"syslog-tag"`
}

func loadConfig(file string) (config, error) {
	var c config
	if file == "" {
		return c, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return c, err
	}
	err = toml.Unmarshal(b, &c)
	return c, err
}

func (c config) engineOptions() (outnet.Options, error) {
	opt := outnet.Options{
		Interfaces:        c.Engine.Interfaces,
		Ports:             c.Engine.Ports,
		NumTCP:            c.Engine.NumTCP,
		TCPReuseMax:       c.Engine.TCPReuseMax,
		DSCP:              c.Engine.DSCP,
		TCPMSS:            c.Engine.TCPMSS,
		UnwantedThreshold: c.Engine.UnwantedThreshold,
		DelayClose:        time.Duration(c.Engine.DelayCloseMS) * time.Millisecond,
		UseCapsForID:      c.Engine.UseCapsForID,
		TLSNoSNI:          c.Engine.TLSNoSNI,
	}
	if c.Server.CA != "" || c.Server.ClientCrt != "" {
		tlsConfig, err := outnet.TLSClientConfig(c.Server.CA, c.Server.ClientCrt, c.Server.ClientKey)
		if err != nil {
			return opt, err
		}
		opt.TLSConfig = tlsConfig
	}
	if c.Logging.Syslog {
		opt.Tap = outnet.NewSyslogTap(outnet.SyslogTapOptions{
			Network:  c.Logging.SyslogNetwork,
			Address:  c.Logging.SyslogAddress,
			Priority: c.Logging.SyslogPriority,
			Tag:      c.Logging.SyslogTag,
		})
		opt.LogQueryMessages = true
		opt.LogResponseMessages = true
	}
	return opt, nil
}
