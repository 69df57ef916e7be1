package web

import "testing"

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig("", "", "")
	if err != nil || cfg != nil {
		t.Fatalf("expected no TLS config, got %v (%v)", cfg, err)
	}
}

func TestBuildTLSConfigIncomplete(t *testing.T) {
	tests := [][3]string{
		{"cert.pem", "", ""},
		{"", "key.pem", ""},
		{"", "", "ca.pem"},
	}
	for _, tt := range tests {
		if _, err := BuildTLSConfig(tt[0], tt[1], tt[2]); err == nil {
			t.Fatalf("expected error for %v", tt)
		}
	}
}

func TestBuildTLSConfigMissingFiles(t *testing.T) {
	if _, err := BuildTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Fatal("expected error for missing key pair")
	}
}
