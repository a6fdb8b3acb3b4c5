// Package netmgr implements the Network Manager: bridge and TAP lifecycle
// over iproute2 (ip link, ip tuntap, ip addr), plus per-host IPv4 pool
// allocation. Every external command runs through a single runner with a
// fixed wall-clock timeout and a dry-run mode.
package netmgr

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blawesom/vm-manager/internal/vlog"
)

// cmdTimeout bounds every external command the Network Manager runs.
const cmdTimeout = 10 * time.Second

// MetadataIP is the link-local address the Metadata Service listens on;
// ensure_bridge also assigns it to the bridge so guests can route to it.
const MetadataIP = "169.254.169.254"

// Config is the Network Manager's static configuration, held for the
// process lifetime.
type Config struct {
	VLANID     int
	BridgeName string
	Subnet     string // CIDR, e.g. "192.168.100.0/24"
	Gateway    string // defaults to subnet.network+1 if empty
	DNS        []string
	DryRun     bool
}

// Manager owns bridge/TAP lifecycle and IPv4 allocation for a single host.
type Manager struct {
	cfg Config

	network  *net.IPNet
	gateway  net.IP
	reserved map[string]bool

	mu           sync.Mutex
	allocatedIPs map[string]bool
}

// New builds a Manager from cfg, computing the reserved-IP set (network,
// gateway, broadcast address) up front.
func New(cfg Config) (*Manager, error) {
	_, network, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return nil, errors.Wrapf(err, "netmgr: parsing subnet %q", cfg.Subnet)
	}

	gateway := cfg.Gateway
	if gateway == "" {
		gw := make(net.IP, len(network.IP))
		copy(gw, network.IP)
		incrementIP(gw)
		gateway = gw.String()
	}
	cfg.Gateway = gateway

	if len(cfg.DNS) == 0 {
		cfg.DNS = []string{"8.8.8.8", "8.8.4.4"}
	}

	broadcast := broadcastAddr(network)

	m := &Manager{
		cfg:     cfg,
		network: network,
		gateway: net.ParseIP(gateway),
		reserved: map[string]bool{
			network.IP.String(): true,
			gateway:             true,
			broadcast.String():  true,
		},
		allocatedIPs: make(map[string]bool),
	}

	vlog.Info("netmgr: initialized vlan=%d bridge=%s subnet=%s gateway=%s dry_run=%v",
		cfg.VLANID, cfg.BridgeName, cfg.Subnet, gateway, cfg.DryRun)

	return m, nil
}

// Config returns the static network configuration, e.g. for the HTTP API's
// /network/config endpoint.
func (m *Manager) Config() Config {
	return m.cfg
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func broadcastAddr(n *net.IPNet) net.IP {
	b := make(net.IP, len(n.IP))
	for i := range n.IP {
		b[i] = n.IP[i] | ^n.Mask[i]
	}
	return b
}

func (m *Manager) run(args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("netmgr: empty argument list")
	}

	if m.cfg.DryRun {
		vlog.Info("netmgr: dry-run: would run %s", strings.Join(args, " "))
		return "", nil
	}

	cmd := exec.Command(args[0], args[1:]...)

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "netmgr: starting %s", strings.Join(args, " "))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(cmdTimeout):
		cmd.Process.Kill()
		<-done
		return out.String(), errors.Errorf("netmgr: command timed out: %s", strings.Join(args, " "))
	case err := <-done:
		vlog.Debug("netmgr: cmd %q completed in %v", strings.Join(args, " "), time.Since(start))
		if err != nil {
			return out.String(), errors.Wrapf(err, "netmgr: %s: %s", strings.Join(args, " "), out.String())
		}
		return out.String(), nil
	}
}

func (m *Manager) interfaceExists(name string) bool {
	_, err := m.run("ip", "link", "show", name)
	return err == nil
}

func (m *Manager) hasIP(iface, ip string) bool {
	out, err := m.run("ip", "addr", "show", iface)
	if err != nil {
		return false
	}
	return strings.Contains(out, ip)
}

// EnsureBridge creates the host bridge if absent, brings it up, and
// assigns the gateway and metadata-service addresses to it. Idempotent.
func (m *Manager) EnsureBridge() error {
	if m.cfg.DryRun {
		vlog.Info("netmgr: dry-run: would ensure bridge %s", m.cfg.BridgeName)
		return nil
	}

	if !m.interfaceExists(m.cfg.BridgeName) {
		vlog.Info("netmgr: creating bridge %s", m.cfg.BridgeName)
		if _, err := m.run("ip", "link", "add", "name", m.cfg.BridgeName, "type", "bridge"); err != nil {
			return err
		}
		if _, err := m.run("ip", "link", "set", m.cfg.BridgeName, "up"); err != nil {
			return err
		}
	}

	prefix, _ := m.network.Mask.Size()
	if !m.hasIP(m.cfg.BridgeName, m.cfg.Gateway) {
		vlog.Info("netmgr: configuring bridge IP %s", m.cfg.Gateway)
		addr := fmt.Sprintf("%s/%d", m.cfg.Gateway, prefix)
		if _, err := m.run("ip", "addr", "add", addr, "dev", m.cfg.BridgeName); err != nil {
			return err
		}
	}

	if !m.hasIP(m.cfg.BridgeName, MetadataIP) {
		vlog.Info("netmgr: configuring metadata IP %s on bridge", MetadataIP)
		if _, err := m.run("ip", "addr", "add", MetadataIP+"/32", "dev", m.cfg.BridgeName); err != nil {
			vlog.Warn("netmgr: could not add metadata IP to bridge: %v", err)
		}
	}

	return nil
}

// AllocateIP returns the numerically lowest unreserved, unallocated host
// IP in the subnet and atomically marks it allocated.
func (m *Manager) AllocateIP(vmID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip := cloneIP(m.network.IP); m.network.Contains(ip); incrementIP(ip) {
		s := ip.String()
		if m.reserved[s] || m.allocatedIPs[s] {
			continue
		}
		m.allocatedIPs[s] = true
		vlog.Info("netmgr: allocated IP %s for VM %s", s, vmID)
		return s, nil
	}

	return "", errors.Errorf("netmgr: no available IPs in subnet %s", m.cfg.Subnet)
}

func cloneIP(ip net.IP) net.IP {
	c := make(net.IP, len(ip))
	copy(c, ip)
	return c
}

// TryReserveIP claims a specific IP if it is within the subnet, not
// reserved, and not already allocated. Lets a restarting VM keep the IP
// recorded in its ip.txt when it is still free.
func (m *Manager) TryReserveIP(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	parsed := net.ParseIP(ip)
	if parsed == nil || !m.network.Contains(parsed) {
		return false
	}
	if m.reserved[ip] || m.allocatedIPs[ip] {
		return false
	}
	m.allocatedIPs[ip] = true
	return true
}

// ReleaseIP removes ip from the allocated set. Idempotent.
func (m *Manager) ReleaseIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocatedIPs[ip] {
		delete(m.allocatedIPs, ip)
		vlog.Info("netmgr: released IP %s", ip)
	}
}

// AllocatedIPs returns a snapshot of the allocated-IP set.
func (m *Manager) AllocatedIPs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.allocatedIPs))
	for ip := range m.allocatedIPs {
		out = append(out, ip)
	}
	return out
}

// TapName derives the deterministic TAP interface name for a VM id.
func TapName(vmID string) string {
	if len(vmID) > 8 {
		vmID = vmID[:8]
	}
	return "tap-" + vmID
}

// CreateTapInterface creates (idempotently) a TAP device for vmID, brings
// it up, and enslaves it to the bridge.
func (m *Manager) CreateTapInterface(vmID string) (string, error) {
	tap := TapName(vmID)

	if m.cfg.DryRun {
		vlog.Info("netmgr: dry-run: would create TAP %s for VM %s", tap, vmID)
		return tap, nil
	}

	if m.interfaceExists(tap) {
		vlog.Debug("netmgr: TAP %s already exists", tap)
		return tap, nil
	}

	vlog.Info("netmgr: creating TAP %s for VM %s", tap, vmID)
	if _, err := m.run("ip", "tuntap", "add", "name", tap, "mode", "tap"); err != nil {
		return "", err
	}
	if _, err := m.run("ip", "link", "set", tap, "up"); err != nil {
		return "", err
	}
	if err := m.EnsureBridge(); err != nil {
		return "", err
	}
	if _, err := m.run("ip", "link", "set", tap, "master", m.cfg.BridgeName); err != nil {
		return "", err
	}

	return tap, nil
}

// DeleteTapInterface unslaves and deletes a TAP device. Errors are logged
// and swallowed.
func (m *Manager) DeleteTapInterface(tap string) {
	if m.cfg.DryRun {
		vlog.Info("netmgr: dry-run: would delete TAP %s", tap)
		return
	}

	if !m.interfaceExists(tap) {
		return
	}

	vlog.Info("netmgr: deleting TAP %s", tap)
	if _, err := m.run("ip", "link", "set", tap, "nomaster"); err != nil {
		vlog.Debug("netmgr: nomaster %s: %v", tap, err)
	}
	if _, err := m.run("ip", "link", "delete", tap); err != nil {
		vlog.Warn("netmgr: failed to delete TAP %s: %v", tap, err)
	}
}
