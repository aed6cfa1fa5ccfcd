package netcfg

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Settings is what the tunnel asks the OS to apply once the server has
// assigned a local address.
type Settings struct {
	RemoteAddress netip.Addr
	MTU           int
	LocalAddress  netip.Addr
	SubnetMask    string
	DefaultRoute  bool
	DNSServers    []netip.Addr
}

func (s Settings) PrefixLen() (int, error) {
	ip := net.ParseIP(s.SubnetMask).To4()
	if ip == nil {
		return 0, fmt.Errorf("invalid subnet mask %q", s.SubnetMask)
	}
	ones, bits := net.IPMask(ip).Size()
	if bits == 0 {
		return 0, fmt.Errorf("non-contiguous subnet mask %q", s.SubnetMask)
	}
	return ones, nil
}

type Applier interface {
	Apply(ctx context.Context, s Settings) error
}

type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

// CommandApplier configures an interface with the platform's network tools.
type CommandApplier struct {
	Interface string
	GOOS      string
	Run       RunFunc
	Logger    *logrus.Logger
}

func NewCommandApplier(iface string, logger *logrus.Logger) *CommandApplier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CommandApplier{
		Interface: iface,
		GOOS:      runtime.GOOS,
		Run:       execRun,
		Logger:    logger,
	}
}

func (a *CommandApplier) Apply(ctx context.Context, s Settings) error {
	if !s.LocalAddress.Is4() {
		return fmt.Errorf("local address must be IPv4: %s", s.LocalAddress)
	}
	prefixLen, err := s.PrefixLen()
	if err != nil {
		return err
	}
	if s.MTU <= 0 {
		s.MTU = 1500
	}

	switch a.GOOS {
	case "linux":
		err = a.applyLinux(ctx, s, prefixLen)
	case "darwin":
		err = a.applyDarwin(ctx, s)
	default:
		return fmt.Errorf("unsupported OS: %s", a.GOOS)
	}
	if err != nil {
		return err
	}

	a.Logger.WithFields(logrus.Fields{
		"interface": a.Interface,
		"local":     s.LocalAddress.String(),
		"remote":    s.RemoteAddress.String(),
		"mtu":       s.MTU,
		"route_all": s.DefaultRoute,
	}).Info("network settings applied")
	return nil
}

func (a *CommandApplier) applyLinux(ctx context.Context, s Settings, prefixLen int) error {
	steps := [][]string{
		{"ip", "link", "set", "dev", a.Interface, "mtu", strconv.Itoa(s.MTU)},
		{"ip", "addr", "replace", s.LocalAddress.String() + "/" + strconv.Itoa(prefixLen), "dev", a.Interface},
		{"ip", "link", "set", "dev", a.Interface, "up"},
	}
	if err := a.runAll(ctx, steps); err != nil {
		return err
	}

	if s.DefaultRoute {
		if s.RemoteAddress.IsValid() {
			out, err := a.Run(ctx, "ip", "-4", "route", "show", "default")
			if err != nil {
				return err
			}
			gw, dev := parseDefaultRoute(out)
			if gw != "" {
				args := []string{"ip", "route", "replace", s.RemoteAddress.String() + "/32", "via", gw}
				if dev != "" {
					args = append(args, "dev", dev)
				}
				if err := a.runAll(ctx, [][]string{args}); err != nil {
					return err
				}
			} else {
				a.Logger.Warn("no default gateway found, server route not pinned")
			}
		}

		if err := a.runAll(ctx, [][]string{
			{"ip", "route", "replace", "0.0.0.0/1", "dev", a.Interface},
			{"ip", "route", "replace", "128.0.0.0/1", "dev", a.Interface},
		}); err != nil {
			return err
		}
	}

	if len(s.DNSServers) > 0 {
		args := []string{"resolvectl", "dns", a.Interface}
		for _, d := range s.DNSServers {
			args = append(args, d.String())
		}
		if err := a.runAll(ctx, [][]string{args}); err != nil {
			return err
		}
	}
	return nil
}

func (a *CommandApplier) applyDarwin(ctx context.Context, s Settings) error {
	local := s.LocalAddress.String()
	peer := local
	if s.RemoteAddress.IsValid() {
		peer = s.RemoteAddress.String()
	}

	steps := [][]string{
		{"ifconfig", a.Interface, local, peer, "netmask", s.SubnetMask, "mtu", strconv.Itoa(s.MTU), "up"},
	}
	if s.DefaultRoute {
		steps = append(steps,
			[]string{"route", "add", "-net", "0.0.0.0/1", "-interface", a.Interface},
			[]string{"route", "add", "-net", "128.0.0.0/1", "-interface", a.Interface},
		)
	}
	if err := a.runAll(ctx, steps); err != nil {
		return err
	}

	if len(s.DNSServers) > 0 {
		a.Logger.Warn("DNS servers are not applied on darwin")
	}
	return nil
}

func (a *CommandApplier) runAll(ctx context.Context, steps [][]string) error {
	for _, step := range steps {
		a.Logger.WithField("cmd", strings.Join(step, " ")).Debug("running")
		if _, err := a.Run(ctx, step[0], step[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// parseDefaultRoute reads "default via 192.168.1.1 dev eth0 ..." output.
func parseDefaultRoute(out []byte) (gateway, dev string) {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				gateway = fields[i+1]
			case "dev":
				dev = fields[i+1]
			}
		}
		return gateway, dev
	}
	return "", ""
}
