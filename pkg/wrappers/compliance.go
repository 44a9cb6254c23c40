package wrappers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

// OscapScanner runs an OpenSCAP XCCDF evaluation and parses its results.
type OscapScanner struct {
	Binary      string
	ContentPath string
	Profile     engine.Profile
	ReportsDir  string
	Timeout     time.Duration

	log *zap.Logger
	now func() time.Time
}

func NewOscapScanner(binary, contentPath string, profile engine.Profile, reportsDir string, timeout time.Duration, log *zap.Logger) *OscapScanner {
	if binary == "" {
		binary = "oscap"
	}
	if profile.Content != "" {
		contentPath = profile.Content
	}
	return &OscapScanner{
		Binary:      binary,
		ContentPath: contentPath,
		Profile:     profile,
		ReportsDir:  reportsDir,
		Timeout:     timeout,
		log:         logging.OrNop(log),
		now:         time.Now,
	}
}

// Check verifies that oscap is installed and the SCAP content exists.
func (s *OscapScanner) Check() error {
	if err := CheckBinary(s.Binary); err != nil {
		return fmt.Errorf("%w (install openscap-scanner)", err)
	}
	if _, err := os.Stat(s.ContentPath); err != nil {
		return fmt.Errorf("SCAP content not found at %s (install scap-security-guide)", s.ContentPath)
	}
	return nil
}

// Scan evaluates the profile and returns the parsed results. oscap exits
// with 2 when some rules fail, which is a normal scan.
func (s *OscapScanner) Scan(ctx context.Context) (engine.ScanArtifact, error) {
	if err := os.MkdirAll(s.ReportsDir, 0755); err != nil {
		return engine.ScanArtifact{}, err
	}

	ts := s.now().Format("20060102_150405")
	resultsXML := filepath.Join(s.ReportsDir, fmt.Sprintf("scan_results_%s.xml", ts))
	reportHTML := filepath.Join(s.ReportsDir, fmt.Sprintf("scan_report_%s.html", ts))

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := []string{
		"xccdf", "eval",
		"--profile", s.Profile.XCCDFID,
		"--results", resultsXML,
		"--report", reportHTML,
		"--oval-results",
		s.ContentPath,
	}
	s.log.Info("Running OpenSCAP scan",
		zap.String("profile", s.Profile.XCCDFID),
		zap.String("results", resultsXML),
	)

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := s.now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return engine.ScanArtifact{}, fmt.Errorf("scan did not finish: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
		err = nil
	}
	if err != nil {
		return engine.ScanArtifact{}, fmt.Errorf("oscap failed: %v: %s", err, lastLines(buf.String(), 5))
	}

	artifact, err := ParseXCCDFFile(resultsXML)
	if err != nil {
		return engine.ScanArtifact{}, err
	}
	if artifact.Profile == "" {
		artifact.Profile = s.Profile.XCCDFID
	}
	s.log.Info("Scan complete",
		zap.Int("rules", len(artifact.Rules)),
		zap.Duration("took", s.now().Sub(start)),
		zap.String("report", reportHTML),
	)
	return artifact, nil
}

// CheckBinary reports whether name resolves to an executable.
func CheckBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found on PATH", name)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
