package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
)

const DefaultPort = 22

var (
	ErrMissingHost     = errors.New("host is required")
	ErrMissingUser     = errors.New("username is required")
	ErrMissingSecret   = errors.New("password or private key is required")
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrAuth            = errors.New("authentication failed")
	ErrChannelNotReady = errors.New("channel not open")
)

// Credentials authenticate one remote login. They live as long as the
// session that owns them so sudo-elevated commands can reuse the password.
type Credentials struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrMissingHost
	}
	if strings.TrimSpace(c.Username) == "" {
		return ErrMissingUser
	}
	if c.Password == "" && c.PrivateKey == "" {
		return ErrMissingSecret
	}
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

func (c Credentials) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// String never includes secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Address())
}

type PTYConfig struct {
	Term string
	Rows int
	Cols int
}

func DefaultPTYConfig() PTYConfig {
	return PTYConfig{
		Term: "xterm-256color",
		Rows: 24,
		Cols: 80,
	}
}

// ResolveHost rewrites Host, Port and Username from the ssh config file
// at path when the host is an alias defined there. Values supplied by
// the caller win over the config file.
func ResolveHost(path string, c Credentials) (Credentials, error) {
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return c, fmt.Errorf("decode ssh config: %w", err)
	}

	alias := c.Host
	if hostName, err := cfg.Get(alias, "HostName"); err == nil && hostName != "" {
		c.Host = hostName
	}
	// ssh_config reports no value rather than the implicit 22.
	if c.Port == 0 {
		if p, err := cfg.Get(alias, "Port"); err == nil && p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return c, fmt.Errorf("ssh config port %q for %s: %w", p, alias, err)
			}
			c.Port = port
		}
	}
	if c.Username == "" {
		if user, err := cfg.Get(alias, "User"); err == nil && user != "" {
			c.Username = user
		}
	}
	return c, nil
}
