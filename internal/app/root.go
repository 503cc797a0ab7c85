package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mtikkanen/tcpwatch/internal/track"
)

var version = "dev"

// SetVersion is called from main with the ldflags build version.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

var rootCmd = &cobra.Command{
	Use:   "tcpwatch",
	Short: "tcpwatch watches live TCP connections",
	Long: `tcpwatch polls the kernel socket tables (or replays a capture file)
and shows connections grouped by peer, port, state or interface,
tagging new arrivals and state changes each round.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLog(); err != nil {
			return err
		}
		return run()
	},
}

var (
	groupBy     string
	delay       time.Duration
	numeric     bool
	showListen  bool
	linger      bool
	followPids  []int32
	onlyIPv4    bool
	onlyIPv6    bool
	ignoreRPort []uint
	ignoreRAddr []string
	warnRPort   []uint
	warnRAddr   []string
	pcapPath    string
	pcapBatch   int
	once        bool
	jsonOut     bool
	metricsAddr string
	tableSize   int
	logLevel    string
	logFile     string
	noColor     bool
)

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&groupBy, "group", "g", "ip", "grouping key: "+strings.Join(track.GroupingNames(), ", "))
	f.DurationVarP(&delay, "delay", "d", time.Second, "time between polling rounds")
	f.BoolVarP(&numeric, "numeric", "n", false, "no reverse name resolution")
	f.BoolVarP(&showListen, "listen", "l", false, "show listening sockets")
	f.BoolVarP(&linger, "linger", "L", false, "keep closed connections visible a few seconds")
	f.Int32SliceVarP(&followPids, "pid", "p", nil, "follow only these processes")
	f.BoolVarP(&onlyIPv4, "ipv4", "4", false, "IPv4 sockets only")
	f.BoolVarP(&onlyIPv6, "ipv6", "6", false, "IPv6 sockets only")
	f.UintSliceVar(&ignoreRPort, "ignore-rport", nil, "ignore connections to these remote ports")
	f.StringSliceVar(&ignoreRAddr, "ignore-raddr", nil, "ignore connections to these remote addresses")
	f.UintSliceVar(&warnRPort, "warn-rport", nil, "highlight connections to these remote ports")
	f.StringSliceVar(&warnRAddr, "warn-raddr", nil, "highlight connections to these remote addresses")
	f.StringVarP(&pcapPath, "pcap", "r", "", "replay a capture file instead of polling")
	f.IntVar(&pcapBatch, "pcap-batch", 10, "frames consumed per replay round")
	f.BoolVarP(&once, "once", "1", false, "run a single round and print it")
	f.BoolVar(&jsonOut, "json", false, "with --once, print JSON")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.IntVar(&tableSize, "table-size", 0, "connection table buckets, a power of two")
	f.StringVar(&logLevel, "log-level", "warning", "logrus level")
	f.StringVar(&logFile, "log-file", "", "append logs to this file instead of stderr")
	f.BoolVar(&noColor, "no-color", false, "plain output with --once")
	viper.BindPFlags(f)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLog() error {
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", viper.GetString("log-level"), err)
	}
	logger := logrus.StandardLogger()
	logger.SetLevel(level)

	if path := viper.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
	} else if !once {
		// The interactive view owns the terminal; keep stray log lines
		// out of it.
		logger.SetOutput(os.Stderr)
	}

	track.SetLogger(logger)
	return nil
}
