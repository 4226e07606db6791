package config

import (
	"encoding/hex"
	"os"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"p2proxy/internal/identity"
)

func TestDurationString_UnmarshalYAML(t *testing.T) {
	var d DurationString
	cases := []struct {
		input     string
		expect    time.Duration
		shouldErr bool
	}{
		{"10s", 10 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"15", 15 * time.Second, false}, // int tag
		{"bad", 0, true},
		{"10h", 0, true},
	}
	for _, c := range cases {
		var node yaml.Node
		node.Value = c.input
		if c.input == "15" {
			node.Tag = "!!int"
		}
		err := d.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || time.Duration(d) != c.expect) {
			t.Errorf("input %q: got %v, want %v", c.input, time.Duration(d), c.expect)
		}
	}
}

func TestSizeString_UnmarshalYAML(t *testing.T) {
	var s SizeString
	cases := []struct {
		input     string
		expect    int64
		shouldErr bool
	}{
		{"10K", 10 << 10, false},
		{"2M", 2 << 20, false},
		{"1G", 1 << 30, false},
		{"100", 100, false},
		{"bad", 0, true},
		{"10k", 0, true}, // lowercase not allowed
	}
	for _, c := range cases {
		var node yaml.Node
		node.Value = c.input
		err := s.UnmarshalYAML(&node)
		if c.shouldErr && err == nil {
			t.Errorf("expected error for input %q", c.input)
		}
		if !c.shouldErr && (err != nil || int64(s) != c.expect) {
			t.Errorf("input %q: got %v, want %v", c.input, int64(s), c.expect)
		}
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()
	if cfg.ListenAddr != "0.0.0.0:4433" {
		t.Errorf("ListenAddr default not set, got %q", cfg.ListenAddr)
	}
	if cfg.IdleTimeout != DurationString(30*time.Second) {
		t.Errorf("IdleTimeout default not set")
	}
	if cfg.InitialPacketSize != 1350 {
		t.Errorf("InitialPacketSize default not set")
	}
	if cfg.GlobalLog == nil || cfg.GlobalLog.MaxSize != 20 {
		t.Errorf("GlobalLog defaults not set")
	}
}

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp("", "p2proxy_config_test.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(body); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoad_BuildsRoutesAndEndpoint(t *testing.T) {
	priv, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := hex.EncodeToString(identity.Seed(priv))

	body := `secret_key_hex: "` + hexKey + `"
default_route: echoroute
server_ports:
  - name: echoroute
    port: 9000
    allow_any_peer: true
access_log_path: ""
`
	path := writeTempConfig(t, body)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Endpoint.SelfNodeID() != identity.NodeIDOf(priv) {
		t.Errorf("endpoint node id does not match configured secret key")
	}

	_, pn := loaded.Routes.DefaultRoute(loaded.Endpoint.SelfNodeID())
	if pn.Text() != "echoroute0000000" {
		t.Errorf("expected default route 'echoroute' padded to 'echoroute0000000', got %q", pn.Text())
	}
}

func TestLoad_BothKeyFormsMustAgree(t *testing.T) {
	priv, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherPriv, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	path := writeTempConfig(t, `secret_key_hex: "`+hex.EncodeToString(identity.Seed(priv))+`"
server_ports:
  - name: echoroute
    port: 9000
    allow_any_peer: true
`)
	// Overwrite with a mismatching path-based key to force the conflict.
	keyPath := writeTempConfig(t, hex.EncodeToString(identity.Seed(otherPriv)))
	body, _ := os.ReadFile(path)
	full := string(body) + "secret_key_path: \"" + keyPath + "\"\n"
	os.WriteFile(path, []byte(full), 0644)

	if _, err := Load(path); err == nil {
		t.Errorf("expected an error from mismatched secret_key_path/secret_key_hex")
	}
}

func TestLoad_MissingSecretKeyIsError(t *testing.T) {
	path := writeTempConfig(t, `server_ports:
  - name: echoroute
    port: 9000
    allow_any_peer: true
`)
	if _, err := Load(path); err == nil {
		t.Errorf("expected an error when neither secret_key_path nor secret_key_hex is set")
	}
}

func TestWriteTemplate_ProducesLoadableConfig(t *testing.T) {
	priv, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeTempConfig(t, "")
	if err := WriteTemplate(path, priv); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of generated template: %v", err)
	}
	if loaded.Endpoint.SelfNodeID() != identity.NodeIDOf(priv) {
		t.Errorf("template's embedded key does not round-trip")
	}
}
