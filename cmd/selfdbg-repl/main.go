// Command selfdbg-repl is a demo self-debugger: it attaches a Controller to
// its own process, installs a breakpoint at a caller-supplied address, and
// drives a GDB-remote-serial-style command loop over stdin/stdout so a
// human (or a real gdb/lldb client) can read registers, read and write
// memory, and set or clear breakpoints in the very process running the
// loop. No single-step command is handled.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-selfdbg"
	"github.com/ehrlich-b/go-selfdbg/internal/config"
	"github.com/ehrlich-b/go-selfdbg/internal/logging"
	"github.com/ehrlich-b/go-selfdbg/internal/native"
	"github.com/ehrlich-b/go-selfdbg/internal/wireproto"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (optional)")
		verbose    = flag.Bool("v", false, "Verbose output")
		breakAddr  = flag.String("break", "", "Hex address to install a demo breakpoint at (e.g. 0x100001000)")
	)
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	kernel := native.BuildKernel()
	machine := native.BuildMachine(kernel)

	ctrl, err := selfdbg.New(kernel, machine, logger)
	if err != nil {
		logger.Error("failed to construct controller", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err := ctrl.Attach(runCtx); err != nil {
		logger.Error("failed to attach controller", "error", err)
		os.Exit(1)
	}
	defer ctrl.Detach()

	logger.Info("controller attached", "pid", os.Getpid())

	if *breakAddr != "" {
		addr, err := parseHexAddress(*breakAddr)
		if err != nil {
			logger.Error("invalid -break address", "value", *breakAddr, "error", err)
			os.Exit(1)
		}
		if err := ctrl.InstallBreakpoint(addr); err != nil {
			logger.Error("failed to install breakpoint", "address", addr, "error", err)
			os.Exit(1)
		}
		logger.Info("breakpoint installed", "address", fmt.Sprintf("%#x", uint64(addr)))
	}

	setupStackDumpHandler(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("send SIGUSR1 to dump goroutine stacks", "pid", os.Getpid())
	fmt.Fprintf(os.Stderr, "selfdbg-repl attached to pid %d, speaking the remote-serial protocol on stdin/stdout\n", os.Getpid())

	serveCommands(runCtx, ctrl, os.Stdin, os.Stdout, logger)
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return defaultDemoConfig()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selfdbg-repl: %v, falling back to defaults\n", err)
		return defaultDemoConfig()
	}
	return cfg
}

func defaultDemoConfig() *config.Config {
	cfg := &config.Config{}
	// config.Load applies defaults via an unexported helper; replicate the
	// handful of fields the demo binary reads directly.
	cfg.LogLevel = "info"
	return cfg
}

func parseHexAddress(s string) (selfdbg.Address, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return selfdbg.Address(v), nil
}

// setupStackDumpHandler registers a SIGUSR1 handler that dumps every
// goroutine's stack to stderr and to a timestamped file, a diagnostic
// hook for a hung command loop.
func setupStackDumpHandler(logger *logging.Logger) {
	dumpCh := make(chan os.Signal, 1)
	signal.Notify(dumpCh, syscall.SIGUSR1)
	go func() {
		for range dumpCh {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

			filename := fmt.Sprintf("selfdbg-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump\nProcess ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()
}

// serveCommands reads bytes from r, feeds them through a wireproto.Framer,
// and answers each decoded command packet on w. It returns once ctx is
// canceled or r hits EOF.
func serveCommands(ctx context.Context, ctrl *selfdbg.Controller, r io.Reader, w io.Writer, logger *logging.Logger) {
	framer := wireproto.NewFramer()
	reader := bufio.NewReader(r)
	buf := make([]byte, 512)

	for {
		select {
		case <-ctx.Done():
			logger.Info("command loop stopping")
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			for _, pkt := range framer.Feed(buf[:n]) {
				handlePacket(ctrl, pkt, w, logger)
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Error("read error", "error", err)
			}
			return
		}
	}
}

func handlePacket(ctrl *selfdbg.Controller, pkt wireproto.Packet, w io.Writer, logger *logging.Logger) {
	switch pkt.Kind {
	case wireproto.KindACK, wireproto.KindNACK:
		return
	case wireproto.KindInterrupt:
		ctrl.Metrics().RecordPacketReceived(len(pkt.Payload), true)
		ctrl.Interrupt(func() {})
		writeReply(ctrl, w, "S05")
		return
	case wireproto.KindInvalidChecksum:
		ctrl.Metrics().RecordChecksumMismatch()
		ctrl.Metrics().RecordPacketReceived(len(pkt.Payload), false)
		io.WriteString(w, "-")
		return
	case wireproto.KindInvalidPacket:
		ctrl.Metrics().RecordPacketReceived(len(pkt.Payload), false)
		io.WriteString(w, "-")
		return
	case wireproto.KindText:
		ctrl.Metrics().RecordPacketReceived(len(pkt.Payload), true)
	default:
		return
	}
	io.WriteString(w, "+")

	p := wireproto.NewParser(pkt.Payload)
	cmd, ok := p.TakeChar()
	if !ok {
		writeReply(ctrl, w, "")
		return
	}

	switch cmd {
	case '?':
		writeReply(ctrl, w, "S05")
	case 'g':
		handleReadAllRegisters(ctrl, w)
	case 'm':
		handleReadMemory(ctrl, p, w, logger)
	case 'M':
		handleWriteMemory(ctrl, p, w, logger)
	case 'c':
		writeReply(ctrl, w, "OK")
	case 'Z':
		handleBreakpointInsert(ctrl, p, w, logger)
	case 'z':
		handleBreakpointRemove(ctrl, p, w, logger)
	default:
		writeReply(ctrl, w, "")
	}
}

func handleReadAllRegisters(ctrl *selfdbg.Controller, w io.Writer) {
	threads, err := ctrl.Threads()
	if err != nil || len(threads) == 0 {
		writeReply(ctrl, w, "E01")
		return
	}
	regs, err := ctrl.ReadContext(threads[0], 0)
	if err != nil {
		writeReply(ctrl, w, "E01")
		return
	}
	var sb strings.Builder
	for i := 0; i < len(regs); i++ {
		fmt.Fprintf(&sb, "%016x", regs[i])
	}
	writeReply(ctrl, w, sb.String())
}

func handleReadMemory(ctrl *selfdbg.Controller, p *wireproto.Parser, w io.Writer, logger *logging.Logger) {
	addr, ok := p.TakeAddress()
	if !ok || !p.TakeComma() {
		writeReply(ctrl, w, "E01")
		return
	}
	length, ok := p.TakeHexUword()
	if !ok {
		writeReply(ctrl, w, "E01")
		return
	}
	data, err := ctrl.ReadMemory(selfdbg.Address(addr), int(length))
	if err != nil {
		logger.Warn("read memory failed", "address", addr, "error", err)
		writeReply(ctrl, w, "E01")
		return
	}
	var sb strings.Builder
	for _, b := range data {
		fmt.Fprintf(&sb, "%02x", b)
	}
	writeReply(ctrl, w, sb.String())
}

func handleWriteMemory(ctrl *selfdbg.Controller, p *wireproto.Parser, w io.Writer, logger *logging.Logger) {
	addr, ok := p.TakeAddress()
	if !ok || !p.TakeComma() {
		writeReply(ctrl, w, "E01")
		return
	}
	length, ok := p.TakeHexUword()
	if !ok || !p.TakeIf(':') {
		writeReply(ctrl, w, "E01")
		return
	}
	data, ok := p.TakeHexBytes(int(length))
	if !ok {
		writeReply(ctrl, w, "E01")
		return
	}
	if err := ctrl.WriteMemory(selfdbg.Address(addr), data); err != nil {
		logger.Warn("write memory failed", "address", addr, "error", err)
		writeReply(ctrl, w, "E01")
		return
	}
	writeReply(ctrl, w, "OK")
}

func handleBreakpointInsert(ctrl *selfdbg.Controller, p *wireproto.Parser, w io.Writer, logger *logging.Logger) {
	if !p.TakeIf('0') || !p.TakeComma() {
		writeReply(ctrl, w, "")
		return
	}
	addr, ok := p.TakeAddress()
	if !ok {
		writeReply(ctrl, w, "E01")
		return
	}
	if err := ctrl.InstallBreakpoint(selfdbg.Address(addr)); err != nil {
		logger.Warn("install breakpoint failed", "address", addr, "error", err)
		writeReply(ctrl, w, "E01")
		return
	}
	writeReply(ctrl, w, "OK")
}

func handleBreakpointRemove(ctrl *selfdbg.Controller, p *wireproto.Parser, w io.Writer, logger *logging.Logger) {
	if !p.TakeIf('0') || !p.TakeComma() {
		writeReply(ctrl, w, "")
		return
	}
	addr, ok := p.TakeAddress()
	if !ok {
		writeReply(ctrl, w, "E01")
		return
	}
	if err := ctrl.RemoveBreakpoint(selfdbg.Address(addr)); err != nil {
		logger.Warn("remove breakpoint failed", "address", addr, "error", err)
		writeReply(ctrl, w, "E01")
		return
	}
	writeReply(ctrl, w, "OK")
}

// writeReply frames payload onto the wire and records its byte count,
// the same packet-accounting handlePacket applies on the receive side.
func writeReply(ctrl *selfdbg.Controller, w io.Writer, payload string) {
	frame := wireproto.Frame([]byte(payload))
	w.Write(frame)
	ctrl.Metrics().RecordPacketSent(len(frame))
}
