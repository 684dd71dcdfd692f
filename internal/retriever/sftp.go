package retriever

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/andresuchdata/bipsync/internal/domain"
)

// Session is the subset of an SFTP client the retriever needs.
type Session interface {
	ReadDir(ctx context.Context, path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
	Close() error
}

// Dialer opens an authenticated session to one source.
type Dialer interface {
	Dial(ctx context.Context, cfg domain.SourceConfig, clientConfig *ssh.ClientConfig) (Session, error)
}

// SSHDialer dials real servers over TCP.
type SSHDialer struct{}

// Dial connects, completes the SSH handshake within clientConfig.Timeout and
// starts the sftp subsystem.
func (SSHDialer) Dial(ctx context.Context, cfg domain.SourceConfig, clientConfig *ssh.ClientConfig) (Session, error) {
	addr := cfg.Addr()

	d := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if clientConfig.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(clientConfig.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp subsystem on %s: %w", addr, err)
	}

	return &sftpSession{ssh: client, sftp: sc}, nil
}

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) ReadDir(ctx context.Context, path string) ([]os.FileInfo, error) {
	return s.sftp.ReadDirContext(ctx, path)
}

func (s *sftpSession) Open(path string) (io.ReadCloser, error) {
	return s.sftp.Open(path)
}

func (s *sftpSession) Remove(path string) error {
	return s.sftp.Remove(path)
}

func (s *sftpSession) Close() error {
	sftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}
