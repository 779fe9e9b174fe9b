package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/die-net/proxysocket/internal/dialer"
	"github.com/die-net/proxysocket/internal/logging"
	"github.com/die-net/proxysocket/internal/testutil"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:15:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 15 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:15", wantErr: true},
		{in: "0:15:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:15:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTCPKeepAlive(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestDefaultProxy(t *testing.T) {
	t.Setenv("ALL_PROXY", "")
	t.Setenv("all_proxy", "")
	if got := defaultProxy(); got != "socks5://127.0.0.1:1080" {
		t.Fatalf("got %q", got)
	}

	t.Setenv("all_proxy", "socks5h://proxy.example:9050")
	if got := defaultProxy(); got != "socks5h://proxy.example:9050" {
		t.Fatalf("got %q", got)
	}
}

func TestFetchThroughSOCKS5(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	defer web.Close()

	proxyLn := testutil.StartSOCKS5Server(t, ctx)
	d, err := dialer.New(dialer.Config{DialTimeout: time.Second, NegotiationTimeout: time.Second}, "socks5://"+proxyLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := fetch(ctx, d, web.URL+"/world", &out, logging.Discard()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello /world" {
		t.Fatalf("got %q", out.String())
	}
}

func TestFetchErrorStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	web := httptest.NewServer(http.NotFoundHandler())
	defer web.Close()

	var out bytes.Buffer
	if err := fetch(ctx, dialer.NewDirectDialer(dialer.Config{}), web.URL, &out, logging.Discard()); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestParseDNSServer(t *testing.T) {
	t.Parallel()

	conf := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(conf, []byte("nameserver 192.0.2.53\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "192.0.2.1", want: "192.0.2.1:53"},
		{in: "192.0.2.1:5353", want: "192.0.2.1:5353"},
		{in: "::1", want: "[::1]:53"},
		{in: "[::1]:5353", want: "[::1]:5353"},
		{in: "dns.example", want: "dns.example:53"},
		{in: conf, want: "192.0.2.53:53"},
		{in: "/nonexistent/resolv.conf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDNSServer(tt.in, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}
