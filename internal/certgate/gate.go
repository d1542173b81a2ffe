package certgate

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// IssuerInterface restarts the external certificate issuance tool so it picks
// up a new domain and begins issuance.
type IssuerInterface interface {
	Restart() error
}

// CommandIssuer restarts the issuer by running a configured shell command.
type CommandIssuer struct {
	Command string
}

func (i *CommandIssuer) Restart() error {
	if i.Command == "" {
		return nil
	}
	out, err := exec.Command("sh", "-c", i.Command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to restart certificate issuer: %v: %s", err, out)
	}
	return nil
}

// GateInterface reports whether pipeline-config promotion must wait for a
// certificate.
type GateInterface interface {
	ProcessDomainUpdate(newDomain string) (bool, error)
	ShouldDeferPromotion() bool
	Domain() string
}

// Gate tracks the desired TLS domain and whether it changed this cycle.
type Gate struct {
	domainPath string
	sslDir     string
	issuer     IssuerInterface
	logger     *zap.SugaredLogger

	// justChanged is set when a cycle persists a new domain and consumed by
	// the first ShouldDeferPromotion call of that cycle.
	justChanged bool
}

// NewGate creates a certificate gate persisting the domain under workingDir
// and checking certificates under sslDir.
func NewGate(workingDir, sslDir string, issuer IssuerInterface, logger *zap.SugaredLogger) *Gate {
	return &Gate{
		domainPath: filepath.Join(workingDir, "certificate-domain.txt"),
		sslDir:     sslDir,
		issuer:     issuer,
		logger:     logger,
	}
}

// Domain returns the persisted desired domain, or "" when none is set.
func (g *Gate) Domain() string {
	data, err := os.ReadFile(g.domainPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ProcessDomainUpdate compares newDomain against the persisted one. On a
// change it persists the new value, arms the deferral flag and, for non-empty
// domains, restarts the issuer. It reports whether a change occurred.
func (g *Gate) ProcessDomainUpdate(newDomain string) (bool, error) {
	newDomain = strings.TrimSpace(newDomain)
	if newDomain == g.Domain() {
		return false, nil
	}

	if err := os.WriteFile(g.domainPath, []byte(newDomain+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("failed to persist certificate domain: %v", err)
	}
	g.justChanged = true
	g.logger.Infow("certificate domain changed", "domain", newDomain)

	if newDomain != "" {
		if err := g.issuer.Restart(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ShouldDeferPromotion is true only when the domain changed this cycle and no
// certificate exists yet for it. The armed flag is consumed exactly once per
// cycle regardless of the outcome.
func (g *Gate) ShouldDeferPromotion() bool {
	changed := g.justChanged
	g.justChanged = false
	if !changed {
		return false
	}

	domain := g.Domain()
	if domain == "" {
		return false
	}
	return !g.certificateExists(domain)
}

func (g *Gate) certificateExists(domain string) bool {
	for _, ext := range []string{".pem", ".key"} {
		if _, err := os.Stat(filepath.Join(g.sslDir, domain+ext)); err != nil {
			return false
		}
	}
	return true
}
