package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/netdispatch/internal/netstack/config"
	"github.com/tinyrange/netdispatch/internal/netstack/iface"
	"github.com/tinyrange/netdispatch/internal/pcap"
)

type replayCounts struct {
	packets   int
	skipped   int
	malformed int
	notLocal  int
	matched   int
	unmatched int
}

// ipPayload returns the IP packet inside a captured frame, or false for
// frames that carry something else.
func ipPayload(linkType uint32, frame []byte) ([]byte, bool) {
	switch linkType {
	case pcap.LinkTypeRaw:
		return frame, true
	case pcap.LinkTypeEthernet:
		if len(frame) < header.EthernetMinimumSize {
			return nil, false
		}
		switch header.Ethernet(frame).Type() {
		case header.IPv4ProtocolNumber, header.IPv6ProtocolNumber:
			return frame[header.EthernetMinimumSize:], true
		}
	}
	return nil, false
}

func replay(ifc *iface.Interface, path string, showProgress bool, counts *replayCounts) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	r, err := pcap.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if lt := r.LinkType(); lt != pcap.LinkTypeRaw && lt != pcap.LinkTypeEthernet {
		return fmt.Errorf("%s: unsupported link type %d", path, lt)
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(-1, path)
		defer bar.Finish()
	}

	for {
		_, frame, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		counts.packets++
		if bar != nil {
			bar.Add(1)
		}

		packet, ok := ipPayload(r.LinkType(), frame)
		if !ok {
			counts.skipped++
			continue
		}
		d, err := ifc.Dispatch(packet)
		switch {
		case err != nil:
			counts.malformed++
			slog.Debug("replay: malformed packet", "packet", counts.packets, "err", err)
		case !d.Local:
			counts.notLocal++
		case d.SocketMatched || d.RawMatched:
			counts.matched++
		default:
			counts.unmatched++
		}
	}
}

func printSummary(w io.Writer, ifc *iface.Interface, counts replayCounts) {
	fmt.Fprintf(w, "packets: %d (matched %d, unmatched %d, not local %d, malformed %d, skipped %d)\n",
		counts.packets, counts.matched, counts.unmatched, counts.notLocal, counts.malformed, counts.skipped)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tKIND\tDELIVERED")
	for _, s := range ifc.Stats() {
		fmt.Fprintf(tw, "%v\t%s\t%s\t%d\n", s.Handle, s.Name, s.Kind, s.Delivered)
	}
	tw.Flush()
}

func run() error {
	configPath := flag.String("config", "", "interface config (YAML)")
	debugAddr := flag.String("debug-addr", "", "serve /status and /metrics on this address (overrides config)")
	capturePath := flag.String("capture", "", "write dispatched packets to this pcap file (overrides config)")
	hold := flag.Bool("hold", false, "keep the debug server running after the replay until interrupted")
	verbose := flag.Bool("v", false, "log dispatch table changes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `dispatchreplay - feed captured packets through a socket dispatch table

USAGE:
  dispatchreplay -config iface.yaml [flags] <capture.pcap>...

Captures may use raw IP or Ethernet framing; non-IP frames are skipped.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" || flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("missing config or capture files")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debugAddr != "" {
		cfg.DebugAddr = *debugAddr
	}
	if *capturePath != "" {
		cfg.Capture = *capturePath
	}

	ifc, err := iface.New(logger, cfg)
	if err != nil {
		return err
	}
	defer ifc.Close()

	if cfg.Capture != "" {
		out, err := os.Create(cfg.Capture)
		if err != nil {
			return fmt.Errorf("create capture: %w", err)
		}
		defer out.Close()
		if err := ifc.OpenPacketCapture(out); err != nil {
			return err
		}
	}
	if err := ifc.EnableDebugHTTP(cfg.DebugAddr); err != nil {
		return err
	}

	showProgress := term.IsTerminal(int(os.Stderr.Fd())) && !*verbose
	var counts replayCounts
	for _, path := range flag.Args() {
		if err := replay(ifc, path, showProgress, &counts); err != nil {
			return err
		}
	}
	printSummary(os.Stdout, ifc, counts)

	if *hold && ifc.DebugHTTPAddr() != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		logger.Info("replay done; serving debug http until interrupted", "addr", ifc.DebugHTTPAddr())
		<-ctx.Done()
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchreplay: %v\n", err)
		os.Exit(1)
	}
}
