package safety

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"

	"github.com/jamesprial/raspi-doctor/internal/config"
)

var (
	// ErrInvalidSubject means a subject is not a plausible unit name or address.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrSubjectDenied means a subject is blocked by the configured filters.
	ErrSubjectDenied = errors.New("subject denied by safety filter")
)

// unitNameRe matches systemd unit names, including templated instances.
var unitNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._:\-]*$`)

// SubjectGuard decides whether a remediation may target a subject. Addresses
// are checked against the IP filter, everything else against the unit
// filter.
type SubjectGuard struct {
	units *Filter
	ips   *Filter
}

// NewSubjectGuard builds a guard from the safety configuration.
func NewSubjectGuard(cfg config.SafetyConfig) *SubjectGuard {
	return &SubjectGuard{
		units: NewFilter(cfg.Units.Allowlist, cfg.Units.Denylist),
		ips:   NewFilter(cfg.IPs.Allowlist, cfg.IPs.Denylist),
	}
}

// Check returns nil when subject may be passed to a corrective command.
func (g *SubjectGuard) Check(subject string) error {
	if addr, err := netip.ParseAddr(subject); err == nil {
		if !g.ips.IsAllowed(addr.String()) {
			return fmt.Errorf("%w: address %s", ErrSubjectDenied, subject)
		}
		return nil
	}
	if prefix, err := netip.ParsePrefix(subject); err == nil {
		// Patterns are matched against the network address.
		if !g.ips.IsAllowed(prefix.Masked().Addr().String()) {
			return fmt.Errorf("%w: network %s", ErrSubjectDenied, subject)
		}
		return nil
	}
	if !unitNameRe.MatchString(subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if !g.units.IsAllowed(subject) {
		return fmt.Errorf("%w: unit %s", ErrSubjectDenied, subject)
	}
	return nil
}
