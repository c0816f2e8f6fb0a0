package main

import (
	"testing"

	prompt "github.com/c-bata/go-prompt"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/testutil"
)

func suggestions(text string) []string {
	b := prompt.NewBuffer()
	b.InsertText(text, false, true)
	var out []string
	for _, s := range complete(*b.Document()) {
		out = append(out, s.Text)
	}
	return out
}

func TestComplete(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", []string{"eval", "put", "status", "exit"}},
		{"ev", []string{"eval"}},
		{"eval web01:system.cpu.load.la", []string{"last("}},
		{"eval web01:net.if.in[eth0].no", []string{"nodata("}},
		{"eval web01:system.cpu.load.last(", nil},
		{"put web01 sys", nil},
	}
	for _, tt := range tests {
		got := suggestions(tt.text)
		if len(got) != len(tt.want) {
			t.Errorf("complete(%q) = %v, want %v", tt.text, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("complete(%q) = %v, want %v", tt.text, got, tt.want)
				break
			}
		}
	}
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	pskFile := testutil.WriteFile(t, dir, "agent.psk", []byte("1a1a1a1a1a1a1a1a\n"))

	cfg, creds, err := clientConfig(options{server: "127.0.0.1:10051", connect: "psk", identity: "psk001", pskFile: pskFile})
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	defer creds.Wipe()

	if cfg.Params.Mode != secure.ModePSK || cfg.Params.PSKIdentity != "psk001" {
		t.Errorf("unexpected params %+v", cfg.Params)
	}
	if creds.PSK == nil || len(creds.PSK.Key) != 8 {
		t.Errorf("PSK not loaded: %+v", creds.PSK)
	}
	if cfg.Security == nil || cfg.Addr != "127.0.0.1:10051" {
		t.Errorf("unexpected config %+v", cfg)
	}

	if _, _, err := clientConfig(options{connect: "carrier-pigeon"}); err == nil {
		t.Error("unknown connection type accepted")
	}
	if _, _, err := clientConfig(options{connect: "psk"}); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("PSK without identity: err = %v", err)
	}
}
