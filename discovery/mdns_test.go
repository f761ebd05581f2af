package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		DeviceID:   "device-123",
		DeviceName: "Alice Laptop",
		Port:       9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestAdvertiseDefaultsInstanceToDeviceID(t *testing.T) {
	var gotInstance string
	cfg := Config{
		DeviceID: "device-only",
		Port:     4000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			return nil, nil
		},
	}

	if _, err := Advertise(cfg); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if gotInstance != "device-only" {
		t.Fatalf("expected instance to fall back to device id, got %q", gotInstance)
	}
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register should not be called")
		return nil, nil
	}

	if _, err := Advertise(Config{Port: 4000, registerFn: register}); err == nil {
		t.Fatal("expected missing device id to fail")
	}
	if _, err := Advertise(Config{DeviceID: "d", registerFn: register}); err == nil {
		t.Fatal("expected missing port to fail")
	}
	if _, err := Advertise(Config{DeviceID: "d", Port: 70000, registerFn: register}); err == nil {
		t.Fatal("expected out-of-range port to fail")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
