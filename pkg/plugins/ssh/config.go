package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the SSH agent at SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

const (
	defaultPort           = 22
	defaultConnectTimeout = 30 * time.Second
)

// Config is the plugin configuration. It holds defaults for every host an
// action targets; action specs pick the host and may override user and port.
type Config struct {
	User       string     `yaml:"user"`
	Port       int        `yaml:"port" validate:"omitempty,min=1,max=65535"`
	AuthMethod AuthMethod `yaml:"authMethod" validate:"omitempty,oneof=password key agent"`

	// Password for password authentication. PasswordEnv names an environment
	// variable to read it from instead.
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"passwordEnv"`

	PrivateKeyPath       string `yaml:"privateKeyPath"`
	PrivateKeyPassphrase string `yaml:"privateKeyPassphrase"`

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string `yaml:"knownHostsPath"`

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `yaml:"insecureIgnoreHostKey"`

	ConnectTimeout time.Duration `yaml:"connectTimeout" validate:"gte=0"`

	// Proxy is an optional jump host.
	Proxy *ProxyConfig `yaml:"proxy"`

	// MaxLogBytes caps captured output per command.
	MaxLogBytes int `yaml:"maxLogBytes" validate:"gte=0"`
}

// ProxyConfig describes a jump host.
type ProxyConfig struct {
	Host           string     `yaml:"host" validate:"required"`
	Port           int        `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User           string     `yaml:"user" validate:"required"`
	AuthMethod     AuthMethod `yaml:"authMethod" validate:"omitempty,oneof=password key agent"`
	Password       string     `yaml:"password"`
	PrivateKeyPath string     `yaml:"privateKeyPath"`
}

// HostConfig holds the connection settings for one host.
type HostConfig struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// Proxy is the jump host, if any
	Proxy *HostConfig
}

// DefaultHostConfig returns a HostConfig with sensible defaults.
func DefaultHostConfig(host string, user string) *HostConfig {
	return &HostConfig{
		Host:                  host,
		Port:                  defaultPort,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     defaultConnectTimeout,
	}
}

// hostConfig merges the plugin defaults with the per-action settings.
func (c *Config) hostConfig(spec *Spec) *HostConfig {
	user := firstNonEmpty(spec.User, c.User, os.Getenv("USER"))
	hc := DefaultHostConfig(spec.Host, user)

	if spec.Port != 0 {
		hc.Port = spec.Port
	} else if c.Port != 0 {
		hc.Port = c.Port
	}

	hc.AuthMethod = c.AuthMethod
	if hc.AuthMethod == "" {
		hc.AuthMethod = AuthMethodKey
		if os.Getenv("SSH_AUTH_SOCK") != "" && c.PrivateKeyPath == "" {
			hc.AuthMethod = AuthMethodAgent
		}
	}
	hc.Password = c.Password
	if c.PasswordEnv != "" {
		hc.Password = os.Getenv(c.PasswordEnv)
	}
	hc.PrivateKeyPath = c.PrivateKeyPath
	hc.PrivateKeyPassphrase = c.PrivateKeyPassphrase
	if c.KnownHostsPath != "" {
		hc.KnownHostsPath = c.KnownHostsPath
	}
	hc.StrictHostKeyChecking = !c.InsecureIgnoreHostKey
	if c.ConnectTimeout > 0 {
		hc.ConnectionTimeout = c.ConnectTimeout
	}

	if p := c.Proxy; p != nil {
		proxy := DefaultHostConfig(p.Host, p.User)
		if p.Port != 0 {
			proxy.Port = p.Port
		}
		proxy.AuthMethod = p.AuthMethod
		if proxy.AuthMethod == "" {
			proxy.AuthMethod = hc.AuthMethod
		}
		proxy.Password = firstNonEmpty(p.Password, hc.Password)
		proxy.PrivateKeyPath = firstNonEmpty(p.PrivateKeyPath, hc.PrivateKeyPath)
		proxy.KnownHostsPath = hc.KnownHostsPath
		proxy.StrictHostKeyChecking = hc.StrictHostKeyChecking
		proxy.ConnectionTimeout = hc.ConnectionTimeout
		hc.Proxy = proxy
	}
	return hc
}

// Validate checks if the configuration is valid.
func (c *HostConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			defaultKeys := []string{
				filepath.Join(homeDir, ".ssh", "id_ed25519"),
				filepath.Join(homeDir, ".ssh", "id_rsa"),
				filepath.Join(homeDir, ".ssh", "id_ecdsa"),
			}
			for _, keyPath := range defaultKeys {
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.Proxy != nil {
		if err := c.Proxy.Validate(); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}

	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig. keyring is required for
// agent authentication and ignored otherwise.
func (c *HostConfig) BuildSSHClientConfig(keyring agent.Agent) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
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

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		if keyring == nil {
			return nil, errors.New("no SSH agent available")
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(keyring.Signers))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the host:port address.
func (c *HostConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *HostConfig) IsProxyEnabled() bool {
	return c.Proxy != nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
