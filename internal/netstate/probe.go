package netstate

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// DefaultProbeInterval is how often Probe samples the interface table.
const DefaultProbeInterval = 2 * time.Second

// InterfaceLister returns the host's network interfaces.
type InterfaceLister func(ctx context.Context) ([]psnet.InterfaceStat, error)

var defaultPrefixes = []struct {
	prefix string
	typ    NetworkType
}{
	{"wlan", TypeWifi},
	{"wifi", TypeWifi},
	{"wl", TypeWifi},
	{"ath", TypeWifi},
	{"wwan", TypeMobile},
	{"rmnet", TypeMobile},
	{"ccmni", TypeMobile},
	{"pdp_ip", TypeMobile},
	{"ppp", TypeMobile},
	{"eth", TypeEthernet},
	{"en", TypeEthernet},
}

// Probe is a Source that polls the interface table and emits an Event
// whenever the classified connectivity changes.
type Probe struct {
	interval  time.Duration
	overrides map[string]NetworkType
	list      InterfaceLister
	logger    *slog.Logger

	polls  atomic.Int64
	errors atomic.Int64
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithProbeInterval sets the polling interval.
func WithProbeInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithInterfaceTypes pins the type of specific interface names,
// taking precedence over the built-in name prefixes.
func WithInterfaceTypes(m map[string]NetworkType) ProbeOption {
	return func(p *Probe) {
		for name, typ := range m {
			p.overrides[name] = typ
		}
	}
}

// WithInterfaceLister replaces the gopsutil interface lister.
func WithInterfaceLister(fn InterfaceLister) ProbeOption {
	return func(p *Probe) { p.list = fn }
}

// WithProbeLogger sets the logger.
func WithProbeLogger(l *slog.Logger) ProbeOption {
	return func(p *Probe) { p.logger = l }
}

// NewProbe creates a Probe backed by gopsutil.
func NewProbe(opts ...ProbeOption) *Probe {
	p := &Probe{
		interval:  DefaultProbeInterval,
		overrides: make(map[string]NetworkType),
		list: func(ctx context.Context) ([]psnet.InterfaceStat, error) {
			return psnet.InterfacesWithContext(ctx)
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Sample classifies the current interface table once.
func (p *Probe) Sample(ctx context.Context) (Event, error) {
	p.polls.Add(1)
	ifaces, err := p.list(ctx)
	if err != nil {
		p.errors.Add(1)
		return Event{}, err
	}
	return Classify(ifaces, p.overrides), nil
}

// Subscribe starts polling. The first successful sample is always
// delivered; later samples only when they differ from the previous one.
func (p *Probe) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &probeSub{events: make(chan Event, 1), cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.events)
		p.poll(ctx, s.events)
	}()
	return s, nil
}

func (p *Probe) poll(ctx context.Context, out chan<- Event) {
	var (
		last   Event
		seeded bool
	)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		ev, err := p.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WarnContext(ctx, "connectivity probe failed", "error", err)
		} else if !seeded || ev != last {
			seeded = true
			last = ev
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeStats are point-in-time counters.
type ProbeStats struct {
	Polls  int64
	Errors int64
}

// Stats returns the probe counters.
func (p *Probe) Stats() ProbeStats {
	return ProbeStats{Polls: p.polls.Load(), Errors: p.errors.Load()}
}

type probeSub struct {
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *probeSub) Events() <-chan Event { return s.events }

func (s *probeSub) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Classify picks the best active interface: wifi, then ethernet, then
// mobile. An interface is active when it is up, not loopback, and holds
// a routable address.
func Classify(ifaces []psnet.InterfaceStat, overrides map[string]NetworkType) Event {
	best := Event{Type: TypeNone}
	rank := func(t NetworkType) int {
		switch t {
		case TypeWifi:
			return 3
		case TypeEthernet:
			return 2
		case TypeMobile:
			return 1
		default:
			return 0
		}
	}

	for _, iface := range ifaces {
		if !interfaceActive(iface) {
			continue
		}
		typ, ok := overrides[iface.Name]
		if !ok {
			typ = typeFromName(iface.Name)
		}
		if typ == TypeNone {
			continue
		}
		if rank(typ) > rank(best.Type) {
			best = Event{Type: typ, Connected: true, Interface: iface.Name}
		}
	}
	return best
}

func interfaceActive(iface psnet.InterfaceStat) bool {
	if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
		return false
	}
	for _, a := range iface.Addrs {
		prefix, err := netip.ParsePrefix(a.Addr)
		if err != nil {
			addr, aerr := netip.ParseAddr(a.Addr)
			if aerr != nil {
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		addr := prefix.Addr()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}

func typeFromName(name string) NetworkType {
	lower := strings.ToLower(name)
	for _, p := range defaultPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.typ
		}
	}
	return TypeNone
}
