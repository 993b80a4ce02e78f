package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name relays browse for.
	DefaultService = "_msgpipe._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// AdvertiseVersion is the TXT record protocol version.
	AdvertiseVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// AdvertiseOptions describes the frame listener announced on the local network.
type AdvertiseOptions struct {
	Service     string
	Domain      string
	Instance    string
	Port        int
	AccountID   string
	DeviceID    string
	Fingerprint string

	registerFn registerFunc
}

func (o AdvertiseOptions) withDefaults() AdvertiseOptions {
	out := o
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Instance == "" {
		out.Instance = "msgpipe-" + out.AccountID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser announces a FrameSource over mDNS so relays on the LAN can
// find it without a configured address.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the listener. The fingerprint lets a relay pin the
// identity key before delivering.
func Advertise(opts AdvertiseOptions) (*Advertiser, error) {
	cfg := opts.withDefaults()
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("account ID is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"account_id=" + cfg.AccountID,
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(AdvertiseVersion),
		"key_fingerprint=" + cfg.Fingerprint,
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// ListenPort extracts the TCP port from a listener address.
func ListenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
