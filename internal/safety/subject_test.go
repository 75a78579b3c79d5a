package safety

import (
	"errors"
	"testing"

	"github.com/jamesprial/raspi-doctor/internal/config"
)

func Test_SubjectGuard_Check_Cases(t *testing.T) {
	guard := NewSubjectGuard(config.SafetyConfig{
		Units: config.ResourceFilter{Denylist: []string{"sshd*", "systemd-*"}},
		IPs:   config.ResourceFilter{Denylist: []string{"127.*", "192.168.*", "10.*"}},
	})

	tests := []struct {
		name    string
		subject string
		wantErr error
	}{
		{name: "plain unit", subject: "cron", wantErr: nil},
		{name: "unit with suffix", subject: "nginx.service", wantErr: nil},
		{name: "templated unit", subject: "getty@tty1.service", wantErr: nil},
		{name: "denied unit glob", subject: "sshd.service", wantErr: ErrSubjectDenied},
		{name: "public address", subject: "203.0.113.5", wantErr: nil},
		{name: "ipv6 address", subject: "2001:db8::1", wantErr: nil},
		{name: "loopback denied", subject: "127.0.0.1", wantErr: ErrSubjectDenied},
		{name: "lan address denied", subject: "192.168.1.20", wantErr: ErrSubjectDenied},
		{name: "network prefix", subject: "198.51.100.0/24", wantErr: nil},
		{name: "option injection", subject: "--force", wantErr: ErrInvalidSubject},
		{name: "shell metacharacters", subject: "ssh;reboot", wantErr: ErrInvalidSubject},
		{name: "path traversal", subject: "../etc/passwd", wantErr: ErrInvalidSubject},
		{name: "empty", subject: "", wantErr: ErrInvalidSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(tt.subject)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Check(%q) = %v, want nil", tt.subject, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check(%q) = %v, want %v", tt.subject, err, tt.wantErr)
			}
		})
	}
}

func Test_SubjectGuard_Check_Allowlist(t *testing.T) {
	guard := NewSubjectGuard(config.SafetyConfig{
		Units: config.ResourceFilter{Allowlist: []string{"nginx*", "cron"}},
		IPs:   config.ResourceFilter{Allowlist: []string{"203.0.113.*"}},
	})

	if err := guard.Check("nginx.service"); err != nil {
		t.Errorf("nginx.service should be allowed: %v", err)
	}
	if err := guard.Check("ssh"); !errors.Is(err, ErrSubjectDenied) {
		t.Errorf("ssh should be denied by allowlist, got %v", err)
	}
	if err := guard.Check("198.51.100.7"); !errors.Is(err, ErrSubjectDenied) {
		t.Errorf("198.51.100.7 should be denied by allowlist, got %v", err)
	}
}

func Test_SubjectGuard_Check_PrefixUsesNetworkAddress(t *testing.T) {
	guard := NewSubjectGuard(config.SafetyConfig{
		IPs: config.ResourceFilter{Denylist: []string{"10.*"}},
	})
	if err := guard.Check("10.0.0.0/8"); !errors.Is(err, ErrSubjectDenied) {
		t.Errorf("10.0.0.0/8 should be denied, got %v", err)
	}
}
