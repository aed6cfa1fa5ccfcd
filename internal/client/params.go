package client

import (
	"errors"
	"fmt"
	"time"

	"valx.pw/postern/internal/config"
	"valx.pw/postern/pkg/protocol"
)

// Params are fixed for the lifetime of a Session.
type Params struct {
	ServerHost string
	ServerPort uint16

	SNIHost       string
	WildcardSNI   bool
	UseTLS        bool
	AllowInsecure bool
	Fingerprint   string

	RequestPath  string
	Chunked      bool
	ExtraHeaders protocol.Headers

	HandshakeKey   []byte
	ObfuscationKey []byte
	MaxPadding     uint8

	Identity protocol.Identity

	// MaxBuffer caps inbound parse buffers; zero is unbounded.
	MaxBuffer   int
	DialTimeout time.Duration
}

func ParamsFromConfig(cfg *config.Client) Params {
	return Params{
		ServerHost:     cfg.Server.Host,
		ServerPort:     cfg.Server.Port,
		SNIHost:        cfg.TLS.SNI,
		WildcardSNI:    cfg.TLS.WildcardSNI,
		UseTLS:         cfg.TLS.Enabled,
		AllowInsecure:  cfg.TLS.Insecure,
		Fingerprint:    cfg.TLS.Fingerprint,
		RequestPath:    cfg.HTTP.Path,
		Chunked:        cfg.HTTP.Chunked,
		ExtraHeaders:   protocol.Headers(cfg.HTTP.Headers),
		HandshakeKey:   cfg.Keys.Handshake,
		ObfuscationKey: cfg.Keys.Obfuscation,
		MaxPadding:     cfg.Keys.MaxPadding,
		Identity:       cfg.Identity,
		MaxBuffer:      cfg.Session.MaxBufferBytes,
		DialTimeout:    cfg.Session.DialTimeout,
	}
}

func (p Params) Mode() protocol.Mode {
	return protocol.ModeFor(p.Chunked)
}

func (p Params) validate() error {
	if p.ServerHost == "" {
		return errors.New("server host is empty")
	}
	if p.ServerPort == 0 {
		return errors.New("server port is zero")
	}
	if len(p.ObfuscationKey) == 0 {
		return errors.New("obfuscation key is empty")
	}
	if p.UseTLS && p.Fingerprint != "" {
		if _, err := helloID(p.Fingerprint); err != nil {
			return err
		}
	}
	if p.MaxBuffer < 0 {
		return fmt.Errorf("negative buffer limit %d", p.MaxBuffer)
	}
	return nil
}
