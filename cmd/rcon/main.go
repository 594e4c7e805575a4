package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/dalnet/rconbridge/internal/rcon"
	"github.com/dalnet/rconbridge/internal/relay"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// console is what the command needs from a Darkplaces or Daemon connection
type console interface {
	Connect(ctx context.Context) error
	Disconnect()
	Rcon(command string) error
}

type options struct {
	config   string
	protocol string
	password string
	secure   int
	wait     time.Duration
	timeout  time.Duration
	raw      bool
	debug    bool
}

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rcon [flags] <host[:port]|server> <command...>",
		Short: "Send a remote console command to a Darkplaces or Daemon server",
		Long: `Send a single rcon command and print the console output the server
sends back within the wait window.

The password may be given with --password or the RCON_PASSWORD variable.
With --config the target may be the name of a server in the bridge
configuration, its settings are used unless overridden by flags.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			if opts.config != "" {
				var err error
				if addr, err = fromConfig(cmd, opts, addr); err != nil {
					return err
				}
			}
			return run(cmd.Context(), opts, addr, strings.Join(args[1:], " "))
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "bridge configuration file with named servers")
	flags.StringVarP(&opts.protocol, "protocol", "P", config.ProtocolDarkplaces, "server protocol: darkplaces or daemon")
	flags.StringVarP(&opts.password, "password", "p", os.Getenv("RCON_PASSWORD"), "rcon password")
	flags.IntVarP(&opts.secure, "secure", "s", 0, "darkplaces rcon_secure level (0-2)")
	flags.DurationVarP(&opts.wait, "wait", "w", 2*time.Second, "how long to print the server output")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "challenge and rconinfo timeout")
	flags.BoolVar(&opts.raw, "raw", false, "keep color codes in the output")
	flags.BoolVar(&opts.debug, "debug", false, "log every datagram")
	return rootCmd
}

// fromConfig fills opts from the configured server named name and returns
// its address. Names not in the configuration are used as addresses.
func fromConfig(cmd *cobra.Command, opts *options, name string) (string, error) {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return "", err
	}
	sc, ok := cfg.Lookup(name)
	if !ok {
		return name, nil
	}

	flags := cmd.Flags()
	if !flags.Changed("protocol") {
		opts.protocol = sc.Protocol
	}
	if !flags.Changed("password") && sc.Password != "" {
		opts.password = sc.Password
	}
	if !flags.Changed("secure") {
		opts.secure = sc.Secure
	}
	if !flags.Changed("timeout") {
		opts.timeout = sc.ChallengeTimeout.Std()
	}
	return net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port)), nil
}

func run(ctx context.Context, opts *options, addr, command string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	if opts.password == "" {
		return errors.New("no password, use --password or RCON_PASSWORD")
	}

	defaultPort := rcon.DarkplacesPort
	if opts.protocol == config.ProtocolDaemon {
		defaultPort = rcon.DaemonPort
	}
	server, err := rcon.ParseServer(addr, defaultPort)
	if err != nil {
		return err
	}

	failed := make(chan error, 1)
	handlers := rcon.Handlers{
		OnLog: func(line string) {
			if !opts.raw {
				line = relay.StripColors(line)
			}
			fmt.Println(line)
		},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}
	engineOpts := []rcon.Option{
		rcon.WithHandlers(handlers),
		rcon.WithChallengeTimeout(opts.timeout),
	}

	var conn console
	var daemon *rcon.Daemon
	switch opts.protocol {
	case config.ProtocolDarkplaces:
		secure, err := rcon.ParseSecurityLevel(opts.secure)
		if err != nil {
			return err
		}
		conn = rcon.NewDarkplaces(server, opts.password, secure, engineOpts...)
	case config.ProtocolDaemon:
		daemon = rcon.NewDaemon(server, opts.password, engineOpts...)
		conn = daemon
	default:
		return fmt.Errorf("unknown protocol %q", opts.protocol)
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer conn.Disconnect()

	// Daemon servers announce the security mode first
	if daemon != nil {
		nctx, cancel := context.WithTimeout(ctx, opts.timeout)
		err := daemon.WaitNegotiated(nctx)
		cancel()
		if err != nil {
			return fmt.Errorf("no rconinfo reply from %s: %w", server, err)
		}
	}

	if err := conn.Rcon(command); err != nil {
		return err
	}

	select {
	case <-time.After(opts.wait):
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
