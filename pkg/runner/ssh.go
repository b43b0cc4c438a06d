package runner

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes a remote runner host.
type SSHConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user" validate:"required"`

	// PrivateKeyPath selects key authentication; Password is used otherwise.
	PrivateKeyPath       string `mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`
	Password             string `mapstructure:"password"`

	// KnownHostsPath enables host key verification. Without it any host key
	// is accepted.
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	// RemoteCommand starts the runner on the host.
	RemoteCommand string `mapstructure:"remote_command" validate:"required"`

	// LocalBinary, when set, is uploaded over SFTP to RemoteBinary before
	// the first session.
	LocalBinary  string `mapstructure:"local_binary"`
	RemoteBinary string `mapstructure:"remote_binary"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (c *SSHConfig) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case c.PrivateKeyPath != "":
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
		auth = append(auth, ssh.PublicKeys(signer))
	case c.Password != "":
		auth = append(auth, ssh.Password(c.Password))
	default:
		return nil, fmt.Errorf("either a private key or a password is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHTransport runs the runner on a remote host. One SSH connection is
// shared by all sessions and re-established when it drops.
type SSHTransport struct {
	cfg    SSHConfig
	logger zerolog.Logger

	mu       sync.Mutex
	client   *ssh.Client
	uploaded bool
}

// NewSSHTransport creates an SSH transport.
func NewSSHTransport(cfg SSHConfig, logger zerolog.Logger) (*SSHTransport, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh host and user are required")
	}
	if cfg.RemoteCommand == "" {
		return nil, fmt.Errorf("remote runner command is required")
	}
	if cfg.LocalBinary != "" && cfg.RemoteBinary == "" {
		return nil, fmt.Errorf("remote binary path is required when uploading a runner")
	}
	return &SSHTransport{cfg: cfg, logger: logger.With().Str("component", "ssh-transport").Str("host", cfg.Host).Logger()}, nil
}

// Start implements Transport.
func (t *SSHTransport) Start(ctx context.Context) (*Session, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.upload(ctx, client); err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		t.reset()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := session.Start(t.cfg.RemoteCommand); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to start remote runner: %w", err)
	}

	return NewSession(stdin, stdout, func() error {
		_ = session.Wait()
		_ = session.Close()
		return nil
	}), nil
}

func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return t.client, nil
		}
		t.logger.Warn().Msg("ssh connection is dead, reconnecting")
		_ = t.client.Close()
		t.client = nil
	}

	clientConfig, err := t.cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.cfg.address(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.cfg.address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	t.client = ssh.NewClient(c, chans, reqs)
	t.logger.Info().Msg("ssh connection established")
	return t.client, nil
}

func (t *SSHTransport) upload(ctx context.Context, client *ssh.Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.LocalBinary == "" || t.uploaded {
		return nil
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sc.Close()

	local, err := os.Open(t.cfg.LocalBinary)
	if err != nil {
		return fmt.Errorf("failed to open runner binary: %w", err)
	}
	defer local.Close()

	if err := sc.MkdirAll(path.Dir(t.cfg.RemoteBinary)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	remote, err := sc.Create(t.cfg.RemoteBinary)
	if err != nil {
		return fmt.Errorf("failed to create remote binary: %w", err)
	}
	defer remote.Close()

	n, err := io.Copy(remote, &ctxReader{ctx: ctx, r: local})
	if err != nil {
		return fmt.Errorf("failed to upload runner binary: %w", err)
	}
	if err := sc.Chmod(t.cfg.RemoteBinary, 0o755); err != nil {
		return fmt.Errorf("failed to make runner executable: %w", err)
	}

	t.uploaded = true
	t.logger.Info().Str("remote", t.cfg.RemoteBinary).Int64("bytes", n).Msg("runner binary uploaded")
	return nil
}

func (t *SSHTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// Close closes the shared connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// ctxReader stops a copy when ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
