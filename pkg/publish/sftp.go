package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/appforge/mobile/backend/pkg/config"
)

// SFTPPublisher uploads finished artifacts to a remote release host. Each
// publish opens a fresh connection; builds are infrequent enough that
// pooling is not worth the state.
type SFTPPublisher struct {
	cfg    config.Config
	logger zerolog.Logger
}

func NewSFTPPublisher(cfg config.Config, logger zerolog.Logger) (*SFTPPublisher, error) {
	if cfg.PublishHost == "" || cfg.PublishUser == "" {
		return nil, fmt.Errorf("publish host and user must be configured")
	}
	return &SFTPPublisher{cfg: cfg, logger: logger}, nil
}

// Publish uploads localPath as remoteName under the configured remote
// directory. The upload goes to a temp name first and is renamed into place
// so a watcher on the remote side never sees a partial file.
func (p *SFTPPublisher) Publish(ctx context.Context, localPath, remoteName string) error {
	client, sftpClient, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(p.cfg.PublishRemoteDir); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	remotePath := path(p.cfg.PublishRemoteDir, remoteName)
	tmpPath := remotePath + ".uploading"

	dst, err := sftpClient.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = sftpClient.Remove(tmpPath)
		return fmt.Errorf("upload artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return fmt.Errorf("close remote file: %w", err)
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		// Some servers lack the posix-rename extension.
		_ = sftpClient.Remove(remotePath)
		if err := sftpClient.Rename(tmpPath, remotePath); err != nil {
			return fmt.Errorf("rename remote file: %w", err)
		}
	}

	p.logger.Info().
		Str("host", p.cfg.PublishHost).
		Str("remote", remotePath).
		Msg("artifact published")
	return nil
}

func (p *SFTPPublisher) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	auth, err := p.authMethods()
	if err != nil {
		return nil, nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            p.cfg.PublishUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.PublishHost, p.cfg.PublishPort)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	return client, sftpClient, nil
}

func (p *SFTPPublisher) authMethods() ([]ssh.AuthMethod, error) {
	if p.cfg.PublishKeyPath != "" {
		data, err := os.ReadFile(p.cfg.PublishKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read publish key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse publish key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("no publish key configured: %w", err)
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("no usable ssh key for publishing")
}

// path joins remote path segments with forward slashes regardless of the
// local OS.
func path(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}
