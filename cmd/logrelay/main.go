package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"logrelay/internal/auth"
	"logrelay/internal/config"
	"logrelay/internal/harvester"
	"logrelay/internal/protocol"
	"logrelay/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configFile  string
	debug       bool
	messagePort int
	httpPort    int
	sinkHost    string

	relayAddr string
	stream    string
	source    string
	quiet     bool
)

var rootCmd = &cobra.Command{
	Use:   "logrelay",
	Short: "logrelay - real-time log relay",
	Long: `logrelay accepts log lines from producers over TCP and from applications over HTTP,
fans them out to browser viewers and forwards structured logs to a collector.`,
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay",
	Long:  `Start the TCP message server, the HTTP server and the collector forwarder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("debug") {
			cfg.Debug = debug
		}
		if cmd.Flags().Changed("message-port") {
			cfg.MessageServer.Port = messagePort
		}
		if cmd.Flags().Changed("http-port") {
			cfg.HTTPServer.Port = httpPort
		}
		if cmd.Flags().Changed("sink-host") {
			cfg.Sink.Host = sinkHost
		}
		setupLogging(cfg.Debug)
		return server.Run(cfg)
	},
}

var fromStdin bool

var hashPasswordCmd = &cobra.Command{
	Use:           "hash-password",
	Short:         "Hash a password for the basicAuth.users config block",
	Long:          fmt.Sprintf("Read a password and print its hash for the basicAuth.users config block. The password must be at least %d characters long.", auth.MinPasswordLength),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if fromStdin {
			// Read password from stdin without prompting
			passwordBytes, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read password from stdin: %w", err)
			}
			password = strings.TrimSpace(string(passwordBytes))
		} else {
			// Read password from stdin without echoing
			fmt.Fprintf(os.Stderr, "Enter password (min %d characters, hint: openssl rand -base64 32): ", auth.MinPasswordLength)
			passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr) // Print newline after password input
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimSpace(string(passwordBytes))
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password failed: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [--] (+msg|+input|-input) [message...]",
	Short: "Send one record to a relay",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(debug)
		typ := args[0]
		if !protocol.Known(typ) {
			return fmt.Errorf("record type %q: %w", typ, protocol.ErrUnknownType)
		}

		client, err := harvester.Dial(cmd.Context(), relayAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		h := harvester.New(client, stream, source)
		switch typ {
		case protocol.TypeInputAdd:
			return h.Announce()
		case protocol.TypeInputDel:
			return h.Retire()
		default:
			return h.Ship(strings.Join(args[1:], " "))
		}
	},
	SilenceUsage: true,
}

var pipeCmd = &cobra.Command{
	Use:   "pipe [command]",
	Short: "Ship lines of stdin or of a command's output to a relay",
	Long: `Announce the input stream|source, ship every line as a message and retire
the input at the end.

Without a command, lines are read from stdin. With a command, it runs under a
pseudo terminal and its combined output is shipped; logrelay exits with the
command's exit code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(debug)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := harvester.Dial(ctx, relayAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		h := harvester.New(client, stream, source)
		if !quiet {
			h.Echo = os.Stdout
		}

		if len(args) == 0 {
			if err := h.Announce(); err != nil {
				return err
			}
			n, err := h.Lines(ctx, os.Stdin)
			slog.Debug("Stdin finished", "input", h.Name(), "lines", n)
			if retireErr := h.Retire(); retireErr != nil {
				return retireErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}

		exitCode, err := h.Run(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if exitCode != 0 {
			_ = client.Close()
			os.Exit(exitCode)
		}
		return nil
	},
	SilenceUsage: true,
}

func defaultSource() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (default: $LOGRELAY_CONFIG)")
	runCmd.Flags().BoolVar(&debug, "debug", false, "Log every routed record")
	runCmd.Flags().IntVar(&messagePort, "message-port", 6689, "TCP message server port")
	runCmd.Flags().IntVar(&httpPort, "http-port", 6688, "HTTP server port")
	runCmd.Flags().StringVar(&sinkHost, "sink-host", "", "Collector host (default: $LOGRELAY_SINK_HOST or $LOGSTASH_URL)")

	hashPasswordCmd.Flags().BoolVar(&fromStdin, "from-stdin", false, "Read password from stdin without prompting (for scripts)")

	for _, c := range []*cobra.Command{sendCmd, pipeCmd} {
		c.Flags().StringVarP(&relayAddr, "relay", "r", "127.0.0.1:6689", "Relay message server address")
		c.Flags().StringVar(&stream, "stream", "stdin", "Stream name of the input")
		c.Flags().StringVar(&source, "source", defaultSource(), "Source name of the input")
		c.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	}
	pipeCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not echo shipped lines")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pipeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
