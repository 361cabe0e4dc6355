/*
natpeerd - client address recovery for full-NAT load balancers.

Usage:

	natpeerd [flags]
	natpeerd version
	natpeerd config dump [flags]
	natpeerd config validate [flags]
	natpeerd replay FILE [flags]
	natpeerd resolve --local IP:PORT --remote IP:PORT [flags]
	natpeerd send-probe --src IP --dst IP --sport N --dport N --client IP:PORT [flags]
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/net/ipv4"

	"github.com/ushineko/natpeer/internal/api"
	"github.com/ushineko/natpeer/internal/capture"
	"github.com/ushineko/natpeer/internal/config"
	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/inspect"
	"github.com/ushineko/natpeer/internal/localaddr"
	"github.com/ushineko/natpeer/internal/logging"
	"github.com/ushineko/natpeer/internal/protocol"
	"github.com/ushineko/natpeer/internal/stats"
	"github.com/ushineko/natpeer/internal/supervisor"
	"github.com/ushineko/natpeer/internal/version"
	"github.com/ushineko/natpeer/internal/wire"
)

var (
	// CLI flags. These override config file values when explicitly set.
	flagConfigPath string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagSocket     string
	flagListen     string
	flagRaw        bool
	flagPcapFile   string
	flagProtocols  []string
	flagLocalAddrs []string

	// resolve flags.
	flagResolveProto  string
	flagResolveLocal  string
	flagResolveRemote string
	flagResolveDir    string

	// send-probe flags.
	flagProbeSrc    string
	flagProbeDst    string
	flagProbeSport  uint16
	flagProbeDport  uint16
	flagProbeClient string
	flagProbeProto  string
)

var rootCmd = &cobra.Command{
	Use:   "natpeerd",
	Short: "natpeerd - client address recovery for full-NAT load balancers",
	RunE:  runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Run a pcap or pcapng capture through the inspector and print the recovered connections",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Ask a running daemon for the substitute address of a connection",
	RunE:  runResolve,
}

var sendProbeCmd = &cobra.Command{
	Use:   "send-probe",
	Short: "Send an ICMP address probe (requires CAP_NET_RAW)",
	RunE:  runSendProbe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: natpeer.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for stats.db")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "API unix socket path")
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "API TCP listen address (host:port)")
	rootCmd.PersistentFlags().StringSliceVar(&flagProtocols, "protocol", nil, "tracked transport, tcp or udp (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&flagLocalAddrs, "local-addr", nil, "local IPv4 address, disables discovery (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVar(&flagRaw, "raw", true, "capture live traffic with raw sockets")
	rootCmd.Flags().StringVar(&flagPcapFile, "pcap-file", "", "replay a capture file as a packet source")

	resolveCmd.Flags().StringVar(&flagResolveProto, "proto", "tcp", "transport protocol (tcp or udp)")
	resolveCmd.Flags().StringVar(&flagResolveLocal, "local", "", "local endpoint IP:PORT")
	resolveCmd.Flags().StringVar(&flagResolveRemote, "remote", "", "remote endpoint IP:PORT")
	resolveCmd.Flags().StringVar(&flagResolveDir, "dir", "in", "lookup direction (in or out)")
	_ = resolveCmd.MarkFlagRequired("local")
	_ = resolveCmd.MarkFlagRequired("remote")

	sendProbeCmd.Flags().StringVar(&flagProbeSrc, "src", "", "probe source IPv4 address (the NAT-level peer)")
	sendProbeCmd.Flags().StringVar(&flagProbeDst, "dst", "", "probe destination IPv4 address (the backend)")
	sendProbeCmd.Flags().Uint16Var(&flagProbeSport, "sport", 0, "source port of the announced connection")
	sendProbeCmd.Flags().Uint16Var(&flagProbeDport, "dport", 0, "destination port of the announced connection")
	sendProbeCmd.Flags().StringVar(&flagProbeClient, "client", "", "original client IP:PORT")
	sendProbeCmd.Flags().StringVar(&flagProbeProto, "proto", "tcp", "transport of the announced connection (tcp or udp)")
	for _, name := range []string{"src", "dst", "sport", "dport", "client"} {
		_ = sendProbeCmd.MarkFlagRequired(name)
	}

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sendProbeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Only flags that were explicitly set override the file.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("socket") {
		overrides.Socket = &flagSocket
	}
	if cmd.Flags().Changed("listen") {
		overrides.Listen = &flagListen
	}
	if cmd.Flags().Changed("raw") {
		overrides.Raw = &flagRaw
	}
	if cmd.Flags().Changed("pcap-file") {
		overrides.PcapFile = &flagPcapFile
	}
	if cmd.Flags().Changed("protocol") {
		overrides.Protocols = flagProtocols
	}
	if cmd.Flags().Changed("local-addr") {
		overrides.LocalAddrs = flagLocalAddrs
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer cleanup()

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("natpeerd starting",
		"version", version.Full(),
		"socket", cfg.API.Socket,
		"listen", cfg.API.Listen,
		"log_dir", cfg.LogDir,
		"verbose", cfg.Verbose,
		"raw", cfg.Capture.Raw,
		"pcap_file", cfg.Capture.PcapFile,
		"stats_enabled", cfg.Stats.Enabled,
	)

	if err := sup.Run(ctx); err != nil {
		logger.Error("natpeerd failed", "error", err)
		return err
	}
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}

// replayReport is the JSON printed by the replay command.
type replayReport struct {
	File        string              `json:"file"`
	Capture     capture.ReplayStats `json:"capture"`
	Totals      stats.Totals        `json:"totals"`
	Recoveries  []stats.Count       `json:"recoveries"`
	Rejections  []stats.Count       `json:"rejections"`
	Connections []conncache.Info    `json:"connections"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{
		Verbose: cfg.Verbose,
		Quiet:   !cfg.Verbose,
	})
	defer cleanup()

	cache := conncache.New(conncache.Config{
		MaxEntries:  cfg.Cache.MaxEntries,
		IdleTimeout: cfg.Cache.IdleTimeout.Duration,
		Logger:      logger,
	})
	registry, err := protocol.NewRegistry(cache, protocol.Options{
		Protocols:   cfg.Inspect.Protocols,
		EnableProbe: cfg.Inspect.EnableICMPFallback,
	})
	if err != nil {
		return err
	}

	// Captures usually come from another host, so every unicast
	// destination counts as local unless addresses are configured.
	local := localaddr.AnyUnicast()
	if addrs := cfg.Inspect.Addrs(); len(addrs) > 0 {
		local = localaddr.NewSet(addrs...)
	}

	collector := stats.NewCollector()
	collector.SetMaxClients(cfg.Stats.MaxClients)
	in := inspect.New(inspect.Config{
		Registry:    registry,
		Local:       local,
		OptionKind:  cfg.Inspect.Kind(),
		EnableProbe: cfg.Inspect.EnableICMPFallback,
		Stats:       collector,
		Logger:      logger,
	})

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	st, err := capture.Replay(cmd.Context(), f, func(pkt []byte) { in.Inspect(pkt) })
	if err != nil {
		return fmt.Errorf("replay %s: %w", args[0], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(replayReport{
		File:        args[0],
		Capture:     st,
		Totals:      collector.Totals(),
		Recoveries:  collector.SnapshotRecoveries(),
		Rejections:  collector.SnapshotRejections(),
		Connections: cache.Snapshot(),
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	proto, err := wire.ParseProto(flagResolveProto)
	if err != nil {
		return err
	}
	local, err := netip.ParseAddrPort(flagResolveLocal)
	if err != nil {
		return fmt.Errorf("invalid --local: %w", err)
	}
	remote, err := netip.ParseAddrPort(flagResolveRemote)
	if err != nil {
		return fmt.Errorf("invalid --remote: %w", err)
	}
	dir, err := conncache.ParseDirection(flagResolveDir)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.API.Socket, cfg.API.Listen, cfg.API.PathPrefix)
	addr, ok, err := client.Resolve(cmd.Context(), conncache.Tuple{Proto: proto, Local: local, Remote: remote}, dir)
	if err != nil {
		return err
	}

	resp := api.ResolveResponse{Substitute: ok}
	if ok {
		resp.Addr = addr.String()
	}
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(resp)
}

func runSendProbe(cmd *cobra.Command, args []string) error {
	src, err := netip.ParseAddr(flagProbeSrc)
	if err != nil {
		return fmt.Errorf("invalid --src: %w", err)
	}
	dst, err := netip.ParseAddr(flagProbeDst)
	if err != nil {
		return fmt.Errorf("invalid --dst: %w", err)
	}
	client, err := netip.ParseAddrPort(flagProbeClient)
	if err != nil {
		return fmt.Errorf("invalid --client: %w", err)
	}
	proto, err := wire.ParseProto(flagProbeProto)
	if err != nil {
		return err
	}
	if proto != wire.ProtoTCP && proto != wire.ProtoUDP {
		return fmt.Errorf("invalid --proto: must be tcp or udp, got %q", flagProbeProto)
	}

	// The option kind comes from the config file so probes match the daemon.
	cfg, _, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	pkt, err := wire.BuildProbePacket(src.Unmap(), dst.Unmap(), wire.Probe{
		Proto:   proto,
		SrcPort: flagProbeSport,
		DstPort: flagProbeDport,
		Client:  client,
	}, cfg.Inspect.Kind())
	if err != nil {
		return err
	}

	if err := sendRaw(pkt); err != nil {
		return err
	}
	fmt.Printf("probe sent: %s -> %s %s %d->%d client %s\n",
		src, dst, wire.ProtoName(proto), flagProbeSport, flagProbeDport, client)
	return nil
}

// sendRaw writes a complete IPv4 packet through a raw ICMP socket.
func sendRaw(pkt []byte) error {
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return fmt.Errorf("parse probe header: %w", err)
	}

	pc, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("open raw socket (CAP_NET_RAW required): %w", err)
		}
		return fmt.Errorf("open raw socket: %w", err)
	}
	defer pc.Close() //nolint:errcheck // best-effort

	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		return fmt.Errorf("raw conn: %w", err)
	}
	if err := rc.WriteTo(h, pkt[h.Len:], nil); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}
	return nil
}
