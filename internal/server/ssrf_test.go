package server

import (
	"context"
	"net"
	"testing"
)

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.com/sentinel", false},
		{"http://8.8.8.8/notify", false},
		{"ftp://example.com/x", true},
		{"https:///path-only", true},
		{"http://127.0.0.1:8080/", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://0x7f000001/", true},
		{"http://[::1]/", true},
	}
	for _, tt := range tests {
		err := validateWebhookURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateWebhookURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestIsBlockedIP(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.0.10", "169.254.1.1", "::1", "fe80::1"} {
		if !isBlockedIP(net.ParseIP(s)) {
			t.Errorf("isBlockedIP(%s) = false, want true", s)
		}
	}
	if isBlockedIP(net.ParseIP("1.1.1.1")) {
		t.Error("isBlockedIP(1.1.1.1) = true, want false")
	}
}

func TestSafeDialContext_RejectsLoopback(t *testing.T) {
	conn, err := safeDialContext(context.Background(), "tcp", "127.0.0.1:80")
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected loopback dial to be blocked")
	}
}
