package sources

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds the credentials used for sftp:// sources. The user may
// also be given in the URL.
type SFTPConfig struct {
	User                 string        `yaml:"user,omitempty"`
	PrivateKeyPath       string        `yaml:"private_key,omitempty"`
	PrivateKeyPassphrase string        `yaml:"private_key_passphrase,omitempty"`
	KnownHostsPath       string        `yaml:"known_hosts,omitempty"`
	InsecureSkipHostKey  bool          `yaml:"insecure_skip_host_key,omitempty"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout,omitempty"`
}

// Validate checks that key authentication and host verification are set up.
func (c SFTPConfig) Validate() error {
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("sftp private key path is required")
	}
	if _, err := os.Stat(c.PrivateKeyPath); err != nil {
		return fmt.Errorf("sftp private key not found: %s", c.PrivateKeyPath)
	}
	if c.KnownHostsPath == "" && !c.InsecureSkipHostKey {
		return fmt.Errorf("sftp known_hosts path is required unless host key checking is disabled")
	}
	return nil
}

// clientConfig builds the ssh client configuration for user.
func (c SFTPConfig) clientConfig(user string) (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.InsecureSkipHostKey {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SFTPFetcher downloads sftp://[user@]host[:port]/path URLs with key
// authentication. Each fetch opens and closes its own connection.
type SFTPFetcher struct {
	config SFTPConfig
}

// NewSFTPFetcher validates cfg and returns a fetcher.
func NewSFTPFetcher(cfg SFTPConfig) (*SFTPFetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SFTPFetcher{config: cfg}, nil
}

// Fetch downloads the remote file named by u.
func (f *SFTPFetcher) Fetch(ctx context.Context, u *url.URL, w io.Writer) (int64, error) {
	user := f.config.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	if user == "" {
		return 0, fmt.Errorf("sftp user is required")
	}

	clientConfig, err := f.config.clientConfig(user)
	if err != nil {
		return 0, err
	}

	sshClient, err := dialSSH(ctx, sftpAddress(u), clientConfig)
	if err != nil {
		return 0, err
	}
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return 0, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer client.Close()

	remote, err := client.Open(u.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remote.Close()

	return copyWithContext(ctx, w, remote)
}

func sftpAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// dialSSH connects with ctx governing the TCP dial and the handshake.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}
