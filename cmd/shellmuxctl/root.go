package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/session"
)

// newDialer is replaced in tests.
var newDialer = func(cfg remote.SSHDialerConfig) remote.Dialer {
	return remote.NewSSHDialer(cfg)
}

type hostFlags struct {
	host       string
	port       int
	user       string
	identity   string
	knownHosts string
	sshConfig  string
	timeout    time.Duration
	asJSON     bool
	verbose    bool
}

func (f *hostFlags) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.host, "host", "H", "", "remote host or ssh config alias")
	pf.IntVarP(&f.port, "port", "p", 0, "ssh port (default 22)")
	pf.StringVarP(&f.user, "user", "u", "", "login user")
	pf.String("password", "", "login password (or SHELLMUX_PASSWORD)")
	pf.StringVarP(&f.identity, "identity", "i", "", "private key file")
	pf.String("passphrase", "", "private key passphrase (or SHELLMUX_PASSPHRASE)")
	pf.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file; host keys are not verified when empty")
	pf.StringVar(&f.sshConfig, "ssh-config", "", "ssh config file used to resolve host aliases")
	pf.DurationVar(&f.timeout, "dial-timeout", session.DefaultDialTimeout, "connection timeout")
	pf.BoolVar(&f.asJSON, "json", false, "emit JSON")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "log to stderr")

	viper.SetEnvPrefix("shellmux")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("password", pf.Lookup("password"))
	_ = viper.BindPFlag("passphrase", pf.Lookup("passphrase"))
}

func (f *hostFlags) credentials() (remote.Credentials, error) {
	creds := remote.Credentials{
		Host:       f.host,
		Port:       f.port,
		Username:   f.user,
		Password:   viper.GetString("password"),
		Passphrase: viper.GetString("passphrase"),
	}
	if f.identity != "" {
		key, err := os.ReadFile(f.identity)
		if err != nil {
			return creds, fmt.Errorf("read identity: %w", err)
		}
		creds.PrivateKey = string(key)
	}
	return creds, creds.Validate()
}

// open logs in and returns a connected session with no observers. The
// returned func ends it.
func (f *hostFlags) open(ctx context.Context) (*session.Session, func(), error) {
	creds, err := f.credentials()
	if err != nil {
		return nil, nil, err
	}

	dialer := newDialer(remote.SSHDialerConfig{
		Timeout:        f.timeout,
		KnownHostsFile: f.knownHosts,
		SSHConfigFile:  f.sshConfig,
	})
	registry := session.NewRegistry(dialer, session.Config{DialTimeout: f.timeout})

	s := registry.Create(creds)
	if err := registry.Connect(ctx, s); err != nil {
		registry.Stop()
		return nil, nil, err
	}
	return s, registry.Stop, nil
}

func (f *hostFlags) setupLogging(stderr io.Writer) {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	var flags hostFlags
	cmd := &cobra.Command{
		Use:           "shellmuxctl",
		Short:         "One-shot remote operations over a single SSH login",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			flags.setupLogging(cmd.ErrOrStderr())
		},
	}
	flags.bind(cmd)

	cmd.AddCommand(newExecCmd(&flags))
	cmd.AddCommand(newScanCmd(&flags))
	cmd.AddCommand(newTelemetryCmd(&flags))
	return cmd
}

// exitError carries a remote exit status out of Execute.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.code)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
