// SPDX-FileCopyrightText: © 2026 The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the mixarq configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/mixarq/arq"
	"github.com/katzenpost/mixarq/proxy"
	"github.com/katzenpost/mixarq/simnet"
)

const (
	defaultLogLevel = "NOTICE"

	defaultMixHops            = 3
	defaultAverageHopDelay    = 50        // 50 ms.
	defaultRoundTripSlop      = 10 * 1000 // 10 sec.
	defaultMaxRetransmissions = 10
	defaultMaxBackoff         = 5 * 60 * 1000 // 5 min.
	defaultBackoffJitter      = 0.2
	defaultDrainPeriod        = 5 * 1000 // 5 sec.

	defaultListenAddress     = "127.0.0.1:1080"
	defaultPayloadSize       = 2048
	defaultKeepaliveInterval = 30 * 1000     // 30 sec.
	defaultInactivityTimeout = 2 * 60 * 1000 // 2 min.
	defaultLowWaterMark      = 30            // packets.
	defaultLanePollInterval  = 100           // 100 ms.
	defaultLaneWaitTimeout   = 4 * 60 * 1000 // 4 min.
	defaultDrainPollInterval = 500           // 500 ms.
	defaultDrainTimeout      = 4 * 60 * 1000 // 4 min.
	defaultCloseSettleDelay  = 2 * 1000      // 2 sec.
	defaultShutdownTimeout   = 2 * 1000      // 2 sec.
	defaultAverageSendDelay  = 20            // 20 ms.
	defaultMaxSendDelay      = 200           // 200 ms.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// ARQ is the acknowledgement and retransmission configuration.
type ARQ struct {
	// MixHops is the number of mixes on a route, gateway included.
	MixHops int

	// AverageHopDelay is the mean per hop delay in milliseconds.
	AverageHopDelay int

	// RoundTripSlop is added to the expected round trip in milliseconds.
	RoundTripSlop int

	// MaxRetransmissions is the retransmission budget of a fragment, zero
	// disables retransmission.
	MaxRetransmissions *int

	// MaxBackoff caps the retransmission interval in milliseconds.
	MaxBackoff int

	// BackoffJitter randomizes retransmission intervals by up to this
	// fraction.
	BackoffJitter *float64

	// DrainPeriod is how long acknowledgements are consumed after
	// shutdown, in milliseconds.
	DrainPeriod int

	// AckSecret derives the acknowledgement keys, a random key is used
	// when empty.
	AckSecret string
}

func (aCfg *ARQ) applyDefaults() {
	if aCfg.MixHops <= 0 {
		aCfg.MixHops = defaultMixHops
	}
	if aCfg.AverageHopDelay <= 0 {
		aCfg.AverageHopDelay = defaultAverageHopDelay
	}
	if aCfg.RoundTripSlop <= 0 {
		aCfg.RoundTripSlop = defaultRoundTripSlop
	}
	if aCfg.MaxRetransmissions == nil {
		n := defaultMaxRetransmissions
		aCfg.MaxRetransmissions = &n
	}
	if aCfg.MaxBackoff <= 0 {
		aCfg.MaxBackoff = defaultMaxBackoff
	}
	if aCfg.BackoffJitter == nil {
		j := defaultBackoffJitter
		aCfg.BackoffJitter = &j
	}
	if aCfg.DrainPeriod <= 0 {
		aCfg.DrainPeriod = defaultDrainPeriod
	}
}

func (aCfg *ARQ) validate() error {
	if *aCfg.MaxRetransmissions < 0 {
		return fmt.Errorf("config: ARQ: MaxRetransmissions %v is negative", *aCfg.MaxRetransmissions)
	}
	if *aCfg.BackoffJitter < 0 || *aCfg.BackoffJitter >= 1 {
		return fmt.Errorf("config: ARQ: BackoffJitter %v is not in [0, 1)", *aCfg.BackoffJitter)
	}
	return nil
}

// Scheduler returns the retransmission scheduler described by the block.
func (aCfg *ARQ) Scheduler() *arq.Scheduler {
	return &arq.Scheduler{
		MixHops:            aCfg.MixHops,
		AverageHopDelay:    millis(aCfg.AverageHopDelay),
		Slop:               millis(aCfg.RoundTripSlop),
		MaxRetransmissions: uint32(*aCfg.MaxRetransmissions),
		MaxBackoff:         millis(aCfg.MaxBackoff),
		Jitter:             *aCfg.BackoffJitter,
	}
}

// Proxy is the connection proxy configuration.
type Proxy struct {
	// ListenAddress is where local connections are accepted.
	ListenAddress string

	// TargetAddress is where the far end of the tunnel connects to.
	TargetAddress string

	// PayloadSize is the fragment payload size in bytes.
	PayloadSize int

	// KeepaliveInterval is in milliseconds.
	KeepaliveInterval int

	// InactivityTimeout is in milliseconds.
	InactivityTimeout int

	// LowWaterMark is the lane length in packets below which the local
	// socket is read again.
	LowWaterMark *int

	// LanePollInterval is in milliseconds.
	LanePollInterval int

	// LaneWaitTimeout is in milliseconds.
	LaneWaitTimeout int

	// DrainPollInterval is in milliseconds.
	DrainPollInterval int

	// DrainTimeout is in milliseconds.
	DrainTimeout int

	// CloseSettleDelay is in milliseconds.
	CloseSettleDelay int

	// ShutdownTimeout is in milliseconds.
	ShutdownTimeout int
}

func (pCfg *Proxy) applyDefaults() {
	if pCfg.ListenAddress == "" {
		pCfg.ListenAddress = defaultListenAddress
	}
	if pCfg.PayloadSize <= 0 {
		pCfg.PayloadSize = defaultPayloadSize
	}
	if pCfg.KeepaliveInterval <= 0 {
		pCfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if pCfg.InactivityTimeout <= 0 {
		pCfg.InactivityTimeout = defaultInactivityTimeout
	}
	if pCfg.LowWaterMark == nil {
		n := defaultLowWaterMark
		pCfg.LowWaterMark = &n
	}
	if pCfg.LanePollInterval <= 0 {
		pCfg.LanePollInterval = defaultLanePollInterval
	}
	if pCfg.LaneWaitTimeout <= 0 {
		pCfg.LaneWaitTimeout = defaultLaneWaitTimeout
	}
	if pCfg.DrainPollInterval <= 0 {
		pCfg.DrainPollInterval = defaultDrainPollInterval
	}
	if pCfg.DrainTimeout <= 0 {
		pCfg.DrainTimeout = defaultDrainTimeout
	}
	if pCfg.CloseSettleDelay <= 0 {
		pCfg.CloseSettleDelay = defaultCloseSettleDelay
	}
	if pCfg.ShutdownTimeout <= 0 {
		pCfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (pCfg *Proxy) validate() error {
	if _, _, err := net.SplitHostPort(pCfg.ListenAddress); err != nil {
		return fmt.Errorf("config: Proxy: ListenAddress '%v' is invalid: %v", pCfg.ListenAddress, err)
	}
	if pCfg.TargetAddress == "" {
		return errors.New("config: Proxy: TargetAddress is not set")
	}
	if _, _, err := net.SplitHostPort(pCfg.TargetAddress); err != nil {
		return fmt.Errorf("config: Proxy: TargetAddress '%v' is invalid: %v", pCfg.TargetAddress, err)
	}
	if *pCfg.LowWaterMark < 0 {
		return fmt.Errorf("config: Proxy: LowWaterMark %v is negative", *pCfg.LowWaterMark)
	}
	if pCfg.KeepaliveInterval >= pCfg.InactivityTimeout {
		return errors.New("config: Proxy: KeepaliveInterval must be shorter than InactivityTimeout")
	}
	return nil
}

// RunnerConfig returns the proxy runner configuration described by the
// block.
func (pCfg *Proxy) RunnerConfig() *proxy.Config {
	return &proxy.Config{
		// Read enough to fill a few packets at once.
		ReadBufferSize:    4 * pCfg.PayloadSize,
		KeepaliveInterval: millis(pCfg.KeepaliveInterval),
		InactivityTimeout: millis(pCfg.InactivityTimeout),
		LowWaterMark:      *pCfg.LowWaterMark,
		LanePollInterval:  millis(pCfg.LanePollInterval),
		LaneWaitTimeout:   millis(pCfg.LaneWaitTimeout),
		DrainPollInterval: millis(pCfg.DrainPollInterval),
		DrainTimeout:      millis(pCfg.DrainTimeout),
		CloseSettleDelay:  millis(pCfg.CloseSettleDelay),
		ShutdownTimeout:   millis(pCfg.ShutdownTimeout),
	}
}

// Network is the simulated mix network configuration.
type Network struct {
	// DropRate is the probability a packet or acknowledgement is lost.
	DropRate float64

	// AverageSendDelay is the mean interval between packets sent by a
	// client, in milliseconds.
	AverageSendDelay int

	// MaxSendDelay caps the interval between packets, in milliseconds.
	MaxSendDelay int

	// DisableCover stops cover traffic.
	DisableCover bool
}

func (nCfg *Network) applyDefaults() {
	if nCfg.AverageSendDelay <= 0 {
		nCfg.AverageSendDelay = defaultAverageSendDelay
	}
	if nCfg.MaxSendDelay <= 0 {
		nCfg.MaxSendDelay = defaultMaxSendDelay
	}
}

func (nCfg *Network) validate() error {
	if nCfg.DropRate < 0 || nCfg.DropRate >= 1 {
		return fmt.Errorf("config: Network: DropRate %v is not in [0, 1)", nCfg.DropRate)
	}
	if nCfg.MaxSendDelay < nCfg.AverageSendDelay {
		return errors.New("config: Network: MaxSendDelay is below AverageSendDelay")
	}
	return nil
}

// NetworkConfig returns the simulated network described by the ARQ and
// Network blocks.
func (cfg *Config) NetworkConfig() *simnet.NetworkConfig {
	return &simnet.NetworkConfig{
		Hops:            cfg.ARQ.MixHops,
		AverageHopDelay: millis(cfg.ARQ.AverageHopDelay),
		MaxHopDelay:     10 * millis(cfg.ARQ.AverageHopDelay),
		DropRate:        cfg.Network.DropRate,
	}
}

// OutQueueConfig returns the sending stage configuration.
func (cfg *Config) OutQueueConfig() *simnet.OutQueueConfig {
	return &simnet.OutQueueConfig{
		PayloadSize:      cfg.Proxy.PayloadSize,
		AverageSendDelay: millis(cfg.Network.AverageSendDelay),
		MaxSendDelay:     millis(cfg.Network.MaxSendDelay),
		DisableCover:     cfg.Network.DisableCover,
	}
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is where the /metrics endpoint listens, disabled if empty.
	Address string
}

// Journal is the delivery journal configuration.
type Journal struct {
	// Path is the journal database file, disabled if empty.
	Path string
}

// Config is the top level mixarq configuration.
type Config struct {
	Logging *Logging
	ARQ     *ARQ
	Proxy   *Proxy
	Network *Network
	Metrics *Metrics
	Journal *Journal
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Proxy section is mandatory, everything else is optional.
	if cfg.Proxy == nil {
		return errors.New("config: No Proxy block was present")
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.ARQ == nil {
		cfg.ARQ = &ARQ{}
	}
	if cfg.Network == nil {
		cfg.Network = &Network{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Journal == nil {
		cfg.Journal = &Journal{}
	}

	cfg.ARQ.applyDefaults()
	cfg.Proxy.applyDefaults()
	cfg.Network.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.ARQ.validate(); err != nil {
		return err
	}
	if err := cfg.Proxy.validate(); err != nil {
		return err
	}
	if err := cfg.Network.validate(); err != nil {
		return err
	}
	if cfg.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", cfg.Metrics.Address, err)
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
