package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 15 * time.Second

type SSHDialerConfig struct {
	Timeout        time.Duration
	KnownHostsFile string
	SSHConfigFile  string
}

type SSHDialer struct {
	config SSHDialerConfig
}

func NewSSHDialer(config SSHDialerConfig) *SSHDialer {
	if config.Timeout <= 0 {
		config.Timeout = defaultDialTimeout
	}
	return &SSHDialer{config: config}
}

func (d *SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	creds, err := ResolveHost(d.config.SSHConfigFile, creds)
	if err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	clientConfig, err := d.clientConfig(creds)
	if err != nil {
		return nil, err
	}

	addr := creds.Address()
	dialer := net.Dialer{Timeout: d.config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake itself does not observe ctx.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(d.config.Timeout))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s", ErrAuth, creds)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	slog.Debug("SSH connection established", "remote", creds.String())
	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func (d *SSHDialer) clientConfig(creds Credentials) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if creds.PrivateKey != "" {
		signer, err := parseKey(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.config.Timeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.config.KnownHostsFile == "" {
		slog.Warn("No known_hosts file configured, accepting any host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.config.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func parseKey(pem, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase([]byte(pem), []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey([]byte(pem))
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is encrypted, passphrase required")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

type sshConn struct {
	client *ssh.Client

	mu       sync.Mutex
	shell    *sshShell
	transfer *sftpTransfer
}

func (c *sshConn) OpenShell(pty PTYConfig) (Shell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shell != nil {
		return nil, errors.New("shell already open")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(pty.Term, pty.Rows, pty.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	// stderr is merged into the pty; any extended data is discarded.
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	c.shell = &sshShell{
		session: session,
		stdin:   stdin,
		output:  stdout,
	}
	return c.shell, nil
}

func (c *sshConn) OpenFileTransfer() (FileTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transfer != nil {
		return nil, errors.New("file transfer channel already open")
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	c.transfer = &sftpTransfer{client: client}
	return c.transfer, nil
}

func (c *sshConn) Wait() error {
	return c.client.Wait()
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	shell, transfer := c.shell, c.transfer
	c.shell, c.transfer = nil, nil
	c.mu.Unlock()

	var result *multierror.Error
	if shell != nil {
		if err := shell.Close(); err != nil && !errors.Is(err, io.EOF) {
			result = multierror.Append(result, fmt.Errorf("close shell: %w", err))
		}
	}
	if transfer != nil {
		if err := transfer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sftp: %w", err))
		}
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
	}
	return result.ErrorOrNil()
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  io.Reader
	once    sync.Once
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Output() io.Reader {
	return s.output
}

func (s *sshShell) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		err = s.session.Close()
	})
	return err
}

type sftpTransfer struct {
	client *sftp.Client
}

func (t *sftpTransfer) ReadFile(path string) ([]byte, error) {
	f, err := t.client.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (t *sftpTransfer) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := t.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t *sftpTransfer) Stat(path string) (os.FileInfo, error) {
	return t.client.Stat(path)
}

func (t *sftpTransfer) ReadDir(path string) ([]os.FileInfo, error) {
	return t.client.ReadDir(path)
}

func (t *sftpTransfer) Mkdir(path string) error {
	return t.client.Mkdir(path)
}

func (t *sftpTransfer) RemoveDirectory(path string) error {
	return t.client.RemoveDirectory(path)
}

func (t *sftpTransfer) Remove(path string) error {
	return t.client.Remove(path)
}

func (t *sftpTransfer) Rename(oldPath, newPath string) error {
	return t.client.Rename(oldPath, newPath)
}

func (t *sftpTransfer) Chmod(path string, mode os.FileMode) error {
	return t.client.Chmod(path, mode)
}

func (t *sftpTransfer) Open(path string) (io.ReadCloser, error) {
	return t.client.Open(path)
}

func (t *sftpTransfer) Create(path string) (io.WriteCloser, error) {
	return t.client.Create(path)
}

func (t *sftpTransfer) Close() error {
	return t.client.Close()
}
