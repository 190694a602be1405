package signing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/appforge/mobile/backend/pkg/command"
	"github.com/appforge/mobile/backend/pkg/config"
)

// Signer signs APK files with the configured keystore. Signing is an
// optional pipeline step; every failure is reported as a value, never as a
// panic or an escaped error.
type Signer struct {
	cfg    config.Config
	runner *command.Runner
	logger zerolog.Logger
}

func NewSigner(cfg config.Config, runner *command.Runner, logger zerolog.Logger) *Signer {
	return &Signer{cfg: cfg, runner: runner, logger: logger}
}

// IsConfigured reports whether signing can run: the keystore must exist on
// disk and all credentials must be non-empty.
func (s *Signer) IsConfigured() bool {
	if s.cfg.KeystorePath == "" || s.cfg.KeystorePassword == "" || s.cfg.KeyAlias == "" || s.cfg.KeyPassword == "" {
		return false
	}
	_, err := os.Stat(s.cfg.KeystorePath)
	return err == nil
}

// Sign signs apkPath and returns the signed artifact path. When outputPath is
// empty, "-signed" is appended before the extension.
func (s *Signer) Sign(ctx context.Context, apkPath, outputPath string) (string, error) {
	if !s.IsConfigured() {
		return "", fmt.Errorf("APK signing not configured")
	}
	if _, err := os.Stat(apkPath); err != nil {
		return "", fmt.Errorf("APK file not found: %s", apkPath)
	}

	apksigner := s.findApksigner()
	if apksigner == "" {
		return "", fmt.Errorf("apksigner tool not found")
	}

	if outputPath == "" {
		ext := filepath.Ext(apkPath)
		outputPath = strings.TrimSuffix(apkPath, ext) + "-signed" + ext
	}

	res := s.runner.Run(ctx, command.Spec{
		Argv: []string{
			apksigner, "sign",
			"--ks", s.cfg.KeystorePath,
			"--ks-pass", "pass:" + s.cfg.KeystorePassword,
			"--ks-key-alias", s.cfg.KeyAlias,
			"--key-pass", "pass:" + s.cfg.KeyPassword,
			"--out", outputPath,
			apkPath,
		},
		Timeout: time.Minute,
	})
	if res.ExitCode != 0 {
		return "", fmt.Errorf("signing failed: %s", strings.TrimSpace(res.Stderr))
	}

	s.logger.Info().Str("artifact", outputPath).Msg("APK signed")
	return outputPath, nil
}

// Verify checks the signature of an APK. The message carries the verifier
// output either way.
func (s *Signer) Verify(ctx context.Context, apkPath string) (bool, string) {
	if _, err := os.Stat(apkPath); err != nil {
		return false, fmt.Sprintf("APK file not found: %s", apkPath)
	}

	apksigner := s.findApksigner()
	if apksigner == "" {
		return false, "apksigner tool not found"
	}

	res := s.runner.Run(ctx, command.Spec{
		Argv:    []string{apksigner, "verify", "--verbose", apkPath},
		Timeout: 30 * time.Second,
	})
	if res.ExitCode != 0 {
		return false, strings.TrimSpace(res.Stderr)
	}
	return true, strings.TrimSpace(res.Stdout)
}

// CreateDebugKeystore generates the conventional debug keystore under
// keystoreDir. Idempotent: an existing keystore is returned as-is.
func (s *Signer) CreateDebugKeystore(ctx context.Context, keystoreDir string) (string, error) {
	if err := os.MkdirAll(keystoreDir, 0o755); err != nil {
		return "", fmt.Errorf("create keystore directory: %w", err)
	}

	keystorePath := filepath.Join(keystoreDir, "debug.keystore")
	if _, err := os.Stat(keystorePath); err == nil {
		return keystorePath, nil
	}

	res := s.runner.Run(ctx, command.Spec{
		Argv: []string{
			"keytool", "-genkey", "-v",
			"-keystore", keystorePath,
			"-alias", "androiddebugkey",
			"-keyalg", "RSA",
			"-keysize", "2048",
			"-validity", "10000",
			"-storepass", "android",
			"-keypass", "android",
			"-dname", "CN=Android Debug,O=Android,C=US",
		},
		Timeout: 30 * time.Second,
	})
	if res.ExitCode != 0 {
		return "", fmt.Errorf("keytool failed: %s", strings.TrimSpace(res.Stderr))
	}

	s.logger.Info().Str("keystore", keystorePath).Msg("debug keystore created")
	return keystorePath, nil
}

// findApksigner locates the signing tool on PATH, falling back to scanning
// the SDK's versioned build-tools directories newest first.
func (s *Signer) findApksigner() string {
	if s.runner.CommandExists("apksigner") {
		return "apksigner"
	}

	if s.cfg.AndroidSDKRoot == "" {
		return ""
	}

	buildTools := filepath.Join(s.cfg.AndroidSDKRoot, "build-tools")
	entries, err := os.ReadDir(buildTools)
	if err != nil {
		return ""
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	for _, version := range versions {
		for _, name := range []string{"apksigner", "apksigner.bat"} {
			candidate := filepath.Join(buildTools, version, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
