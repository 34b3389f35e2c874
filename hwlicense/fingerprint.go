package hwlicense

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// HardwareIDEnv overrides GenerateFingerprint when set.
const HardwareIDEnv = "HWLICENSE_HWID"

// virtualPrefixes name interfaces created by container runtimes, bridges,
// VPNs and hypervisors. Their MACs change across restarts.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "vnet", "cni", "flannel", "cali", "weave",
	"kube-ipvs", "tun", "tap", "wg", "zt", "vmnet", "vboxnet", "utun", "awdl", "llw",
}

// Replaced in tests.
var (
	interfacesFn = net.Interfaces
	hostnameFn   = os.Hostname
	machineIDFn  = readMachineID
	// physicalFn reports whether an interface is backed by a device. Where
	// sysfs is absent every interface counts as physical.
	physicalFn = hasSysfsDevice
)

// GenerateFingerprint returns the hardware ID of this machine: a SHA-256 hex
// digest over the hostname, the MACs of physical network interfaces, OS,
// architecture and the machine-id.
//
// Only interfaces that survive a reboot contribute, so a container starting
// or a VPN connecting does not change the ID. Set HWLICENSE_HWID to use a
// fixed ID instead, e.g. in pods whose hostname is not stable.
func GenerateFingerprint() (string, error) {
	if fp := os.Getenv(HardwareIDEnv); fp != "" {
		return fp, nil
	}

	hostname, err := hostnameFn()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	// Best-effort: without interfaces the ID rests on hostname and machine-id.
	macs, _ := stableMACs()

	parts := append([]string{hostname}, macs...)
	parts = append(parts, runtime.GOOS, runtime.GOARCH)
	if id := machineIDFn(); id != "" {
		parts = append(parts, id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// stableMACs returns the sorted, de-duplicated MACs of interfaces that
// identify the machine.
func stableMACs() ([]string, error) {
	ifaces, err := interfacesFn()
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, iface := range ifaces {
		if !stableInterface(iface) {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	slices.Sort(macs)
	return slices.Compact(macs), nil
}

func stableInterface(iface net.Interface) bool {
	switch {
	case iface.Flags&net.FlagLoopback != 0,
		iface.Flags&net.FlagPointToPoint != 0,
		iface.Flags&net.FlagUp == 0:
		return false
	case len(iface.HardwareAddr) == 0:
		return false
	// Locally administered addresses are assigned in software (randomized
	// Wi-Fi MACs, bridges, veth pairs).
	case iface.HardwareAddr[0]&0x02 != 0:
		return false
	}
	name := strings.ToLower(iface.Name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return physicalFn(iface.Name)
}

func hasSysfsDevice(name string) bool {
	if _, err := os.Stat("/sys/class/net"); err != nil {
		return true
	}
	_, err := os.Stat(filepath.Join("/sys/class/net", name, "device"))
	return err == nil
}

func readMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	return ""
}
