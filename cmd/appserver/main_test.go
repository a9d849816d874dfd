package main

import (
	"testing"

	"github.com/bentbr/rdatacore/pkg/config"
)

func TestListenAddrDefaults(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = ""
	cfg.Server.Port = 0
	if got, want := listenAddr(cfg), "0.0.0.0:8080"; got != want {
		t.Fatalf("listenAddr() = %q, want %q", got, want)
	}
}

func TestListenAddrUsesConfig(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9090
	if got, want := listenAddr(cfg), "127.0.0.1:9090"; got != want {
		t.Fatalf("listenAddr() = %q, want %q", got, want)
	}
}
