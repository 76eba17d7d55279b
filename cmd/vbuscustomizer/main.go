// vbuscustomizer reads and writes controller parameters over VBus.
//
// Usage:
//
//	vbuscustomizer -host 192.168.1.20 -password vbus -params dl.toml TempSoll=? TempSoll=55.5
//	vbuscustomizer -url serial:///dev/ttyUSB0 0x0021=?
//	vbuscustomizer -discover
//
// Each action prints one "idOrIndex=value" line, or "idOrIndex=?" when it
// failed. The exit status is 1 if any action failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/customizer"
	"github.com/nerrad567/vbus-bridge/internal/discovery"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/vbus-bridge/internal/params"
	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/transport"
)

var version = "dev"

type options struct {
	host     string
	port     int
	url      string
	password string
	via      string
	channel  int
	params   string
	discover bool
	timeout  time.Duration
	verbose  bool
	actions  []string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes the command and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logging.New(config.LoggingConfig{Level: level, Format: "text", Output: "stderr"}, version)

	if opts.discover {
		return runDiscover(ctx, opts, stdout, stderr)
	}

	opener, err := buildOpener(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	actions, err := customizer.ParseActions(opts.actions)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var resolver *params.Resolver
	if opts.params != "" {
		resolver, err = params.LoadFile(opts.params)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	results, err := customizer.RunActions(ctx, customizer.ConnectionParams{
		Opener:      opener,
		Transaction: transaction.Options{Logger: log},
		Logger:      log,
	}, resolver, actions)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	for _, r := range results {
		fmt.Fprintln(stdout, r.Line())
		if !r.OK() {
			log.Warn("action failed", "action", r.Action.String(), "error", r.Err)
		}
	}
	if customizer.Failed(results) > 0 {
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("vbuscustomizer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.host, "host", "", "LAN interface or bridge host")
	fs.IntVar(&opts.port, "port", transport.DefaultTCPPort, "TCP port")
	fs.StringVar(&opts.url, "url", "", "connection URL (tcp://... or serial://...), overrides -host")
	fs.StringVar(&opts.password, "password", "vbus", "login password")
	fs.StringVar(&opts.via, "via", "", "via tag for CONNECT")
	fs.IntVar(&opts.channel, "channel", -1, "bus channel on multi-channel interfaces")
	fs.StringVar(&opts.params, "params", "", "parameter table (TOML)")
	fs.BoolVar(&opts.discover, "discover", false, "list devices on the local network and exit")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall time limit")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging to stderr")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: vbuscustomizer [flags] idOrIndex=value|? ...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.actions = fs.Args()

	if opts.discover {
		return opts, nil
	}
	if opts.host == "" && opts.url == "" {
		return options{}, errors.New("-host or -url is required")
	}
	if len(opts.actions) == 0 {
		return options{}, errors.New("no actions given")
	}
	if opts.channel > 255 {
		return options{}, fmt.Errorf("-channel %d out of range", opts.channel)
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("-timeout must be positive")
	}
	return opts, nil
}

// buildOpener turns the connection flags into a transport.Opener.
func buildOpener(opts options) (transport.Opener, error) {
	if opts.url != "" {
		return transport.ParseURL(opts.url)
	}
	o := transport.TCPOpener{
		Address:  net.JoinHostPort(opts.host, strconv.Itoa(opts.port)),
		Password: opts.password,
		ViaTag:   opts.via,
	}
	if opts.channel >= 0 {
		ch := uint8(opts.channel) //nolint:gosec // range checked in parseFlags
		o.Channel = &ch
	}
	return o, nil
}

func runDiscover(ctx context.Context, opts options, stdout, stderr io.Writer) int {
	d := discovery.Discoverer{}
	if opts.host != "" {
		// Directed query instead of a broadcast.
		d.BroadcastAddress = net.JoinHostPort(opts.host, strconv.Itoa(discovery.DefaultPort))
	}
	devices, err := d.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stderr, "no devices found")
		return 1
	}
	for _, dev := range devices {
		fmt.Fprintln(stdout, dev.String())
	}
	return 0
}
