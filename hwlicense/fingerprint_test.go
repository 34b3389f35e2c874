package hwlicense

import (
	"errors"
	"net"
	"os"
	"slices"
	"testing"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return mac
}

// stubHost replaces the machine inputs of GenerateFingerprint for one test.
func stubHost(t *testing.T, ifaces []net.Interface, virtual ...string) {
	t.Helper()
	t.Setenv(HardwareIDEnv, "")
	os.Unsetenv(HardwareIDEnv)

	origIfaces, origHost, origID, origPhys := interfacesFn, hostnameFn, machineIDFn, physicalFn
	t.Cleanup(func() {
		interfacesFn, hostnameFn, machineIDFn, physicalFn = origIfaces, origHost, origID, origPhys
	})
	interfacesFn = func() ([]net.Interface, error) { return ifaces, nil }
	hostnameFn = func() (string, error) { return "node-1", nil }
	machineIDFn = func() string { return "0123456789abcdef" }
	physicalFn = func(name string) bool { return !slices.Contains(virtual, name) }
}

func TestStableMACs_Filtering(t *testing.T) {
	up := net.FlagUp | net.FlagBroadcast
	eth0 := "00:1a:2b:3c:4d:5e"
	eth1 := "00:1a:2b:3c:4d:5f"

	tests := []struct {
		name  string
		iface net.Interface
		keep  bool
	}{
		{"physical nic", net.Interface{Name: "eth0", Flags: up, HardwareAddr: mustMAC(t, eth0)}, true},
		{"loopback", net.Interface{Name: "lo", Flags: up | net.FlagLoopback}, false},
		{"down", net.Interface{Name: "eth2", Flags: net.FlagBroadcast, HardwareAddr: mustMAC(t, "00:1a:2b:3c:4d:60")}, false},
		{"docker bridge", net.Interface{Name: "docker0", Flags: up, HardwareAddr: mustMAC(t, "00:42:ac:11:00:02")}, false},
		{"veth pair", net.Interface{Name: "veth1a2b3c", Flags: up, HardwareAddr: mustMAC(t, "00:42:ac:11:00:03")}, false},
		{"compose bridge", net.Interface{Name: "br-5f1e2d", Flags: up, HardwareAddr: mustMAC(t, "00:42:ac:11:00:04")}, false},
		{"libvirt bridge", net.Interface{Name: "virbr0", Flags: up, HardwareAddr: mustMAC(t, "00:54:00:11:22:33")}, false},
		{"tap", net.Interface{Name: "tap0", Flags: up, HardwareAddr: mustMAC(t, "00:54:00:11:22:34")}, false},
		{"vpn tunnel", net.Interface{Name: "tun0", Flags: up | net.FlagPointToPoint}, false},
		{"locally administered", net.Interface{Name: "wlan0", Flags: up, HardwareAddr: mustMAC(t, "02:1a:2b:3c:4d:5e")}, false},
		{"no device backing", net.Interface{Name: "bond9", Flags: up, HardwareAddr: mustMAC(t, "00:1a:2b:3c:4d:61")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubHost(t, []net.Interface{tt.iface}, "bond9")
			macs, err := stableMACs()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(macs) == 1; got != tt.keep {
				t.Errorf("expected keep=%v, got %v", tt.keep, macs)
			}
		})
	}

	t.Run("sorted and deduplicated", func(t *testing.T) {
		stubHost(t, []net.Interface{
			{Name: "eth1", Flags: up, HardwareAddr: mustMAC(t, eth1)},
			{Name: "eth0", Flags: up, HardwareAddr: mustMAC(t, eth0)},
			{Name: "bond0", Flags: up, HardwareAddr: mustMAC(t, eth0)},
		})
		macs, err := stableMACs()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := []string{eth0, eth1}; !slices.Equal(macs, want) {
			t.Errorf("expected %v, got %v", want, macs)
		}
	})
}

func TestGenerateFingerprint_IgnoresVirtualInterfaces(t *testing.T) {
	eth0 := net.Interface{Name: "eth0", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "00:1a:2b:3c:4d:5e")}

	stubHost(t, []net.Interface{eth0})
	before, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stubHost(t, []net.Interface{
		eth0,
		{Name: "docker0", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "00:42:ac:11:00:02")},
		{Name: "veth9f8e7d", Flags: net.FlagUp, HardwareAddr: mustMAC(t, "5a:11:22:33:44:55")},
	})
	after, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if before != after {
		t.Errorf("container interfaces changed the hardware ID: %s != %s", before, after)
	}
}

func TestGenerateFingerprint_InterfaceErrorFallsBack(t *testing.T) {
	stubHost(t, nil)
	interfacesFn = func() ([]net.Interface, error) { return nil, errors.New("no netlink") }

	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string, got %q", fp)
	}
}

func TestGenerateFingerprint_HostnameError(t *testing.T) {
	stubHost(t, nil)
	hostnameFn = func() (string, error) { return "", errors.New("uts unavailable") }

	if _, err := GenerateFingerprint(); err == nil {
		t.Error("expected an error when the hostname is unavailable")
	}
}

func TestGenerateFingerprint_NotEmpty(t *testing.T) {
	t.Setenv(HardwareIDEnv, "")
	os.Unsetenv(HardwareIDEnv)

	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// SHA-256 hex = 64 chars
	if len(fp) != 64 {
		t.Errorf("expected 64 char hex string, got %d chars: %s", len(fp), fp)
	}
}

func TestGenerateFingerprint_Deterministic(t *testing.T) {
	fp1, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint should be deterministic: %s != %s", fp1, fp2)
	}
}

func TestGenerateFingerprint_EnvOverride(t *testing.T) {
	const custom = "HW-FROM-ENV"
	t.Setenv(HardwareIDEnv, custom)

	fp, err := GenerateFingerprint()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != custom {
		t.Errorf("expected %q, got %q", custom, fp)
	}
}
