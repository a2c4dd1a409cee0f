package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"gitlab.lrz.de/protocol-design-team-0/getchat/client"
	"gitlab.lrz.de/protocol-design-team-0/getchat/digest"
	"gitlab.lrz.de/protocol-design-team-0/getchat/metrics"
	"gitlab.lrz.de/protocol-design-team-0/getchat/server"
)

var (
	host             = kingpin.Arg("host", "Client: the server to connect to (hostname or IPv4 address). Server: the address to bind, all interfaces if not given.").ResolvedIP()
	serverMode       = kingpin.Flag("server", "Server mode: accept incoming connections. Operate in client mode if “-s” is not specified.").Short('s').Envar("GETCHAT_SERVER").Default("false").Bool()
	port             = kingpin.Flag("port", "Specify the port number to use (use 5555 as default if not given).").Short('t').Envar("GETCHAT_PORT").Default("5555").Int()
	markovP          = kingpin.Flag("p", "Server: probability for the Markov chain to start corrupting the file body.").Short('p').Envar("GETCHAT_P").Default("0").Float64()
	markovQ          = kingpin.Flag("q", "Server: probability for the Markov chain to keep corrupting the file body.").Short('q').Envar("GETCHAT_Q").Default("0").Float64()
	fileDir          = kingpin.Flag("file-dir", "Server: Specify the directory containing the files that the server should serve. Client: Specify the directory where the requested files will be saved").Short('d').Envar("GETCHAT_FILE_DIR").Default("./").ExistingDir()
	digestName       = kingpin.Flag("digest", "Digest algorithm for HASH lines, client and server must agree.").Envar("GETCHAT_DIGEST").Default(digest.Default).Enum(digest.Names()...)
	registryCapacity = kingpin.Flag("registry-capacity", "Server: maximum number of clients receiving broadcasts, 0 for no limit.").Envar("GETCHAT_REGISTRY_CAPACITY").Default("64").Int()
	metricsAddr      = kingpin.Flag("metrics-addr", "Server: address to expose Prometheus metrics on, disabled if empty.").Envar("GETCHAT_METRICS_ADDR").Default("").String()
	logLevel         = kingpin.Flag("log-level", "Log level (debug, info, warn, error).").Envar("GETCHAT_LOG_LEVEL").Default("info").String()
	logFormat        = kingpin.Flag("log-format", "Log format.").Envar("GETCHAT_LOG_FORMAT").Default("text").Enum("text", "json")
	suffix           = kingpin.Flag("suffix", "Client: appended to the name of every received file.").Envar("GETCHAT_SUFFIX").Default("_received").String()
	files            = kingpin.Arg("files", "Client: the file(s) to fetch, interactive mode if none are given.").Strings()
)

func main() {
	kingpin.Parse()

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}

	// check that p and q are valid
	if *markovP > 1 || *markovP < 0 || *markovQ > 1 || *markovQ < 0 {
		fmt.Println("error: p and/or q values for the markov chain are invalid")
		os.Exit(1)
	}

	logrus.WithFields(logrus.Fields{
		"host":     *host,
		"server":   *serverMode,
		"port":     *port,
		"markov_p": *markovP,
		"markov_q": *markovQ,
		"file_dir": *fileDir,
		"digest":   *digestName,
		"files":    *files,
	}).Debug("Configuration")

	if *serverMode { /* server mode */
		if err := runServer(); err != nil {
			logrus.WithError(err).Fatal("Server failed")
		}
		return
	}

	/* client mode */
	if *host == nil {
		fmt.Println("error: When running in client mode, a server IP/hostname must be provided!")
		os.Exit(1)
	}

	clientConfig := client.DefaultConfig
	clientConfig.OutDir = *fileDir
	clientConfig.Suffix = *suffix
	clientConfig.Digest = *digestName

	if len(*files) > 0 {
		// Request files sequentially
		if err := client.RequestFiles(host.String(), *port, *files, &clientConfig); err != nil {
			os.Exit(1)
		}
		return
	}

	c, err := client.Dial(host.String(), *port, &clientConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Could not connect to server")
	}
	fmt.Printf("Connected to server %s:%d\n", host.String(), *port)
	if err := c.Run(os.Stdin, os.Stdout); err != nil {
		logrus.WithError(err).Fatal("Connection lost")
	}
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(lvl)
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func runServer() error {
	cfg := server.DefaultConfig
	if *host != nil {
		cfg.IP = *host
	}
	cfg.Port = *port
	cfg.RootDir = *fileDir
	cfg.Digest = *digestName
	cfg.RegistryCapacity = *registryCapacity
	cfg.MarkovP = *markovP
	cfg.MarkovQ = *markovQ

	var (
		m   metrics.ServerMetrics
		reg *prometheus.Registry
	)
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewPrometheus(reg)
	}

	s, err := server.Init(cfg, server.NewArbiter(os.Stdin, os.Stdout), m)
	if err != nil {
		return fmt.Errorf("error creating server: %w", err)
	}
	logLocalAddresses(s.Addr().(*net.TCPAddr).Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(s.Listen)
	g.Go(func() error {
		<-ctx.Done()
		return s.Close()
	})
	if reg != nil {
		g.Go(func() error {
			return metrics.Serve(ctx, *metricsAddr, reg)
		})
	}

	// the console read cannot be interrupted, so the loop is not part of the
	// group; it ends with stdin or the process
	go func() {
		if err := s.RunBroadcastLoop(make(chan bool)); err != nil {
			logrus.WithError(err).Warn("Broadcast console stopped")
		}
	}()

	return g.Wait()
}

// logLocalAddresses prints the non-loopback IPv4 addresses clients can use.
func logLocalAddresses(port int) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		logrus.WithError(err).Warn("Could not list local addresses")
		return
	}
	var ips []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		ips = append(ips, fmt.Sprintf("%s:%d", ipnet.IP, port))
	}
	logrus.WithFields(logrus.Fields{
		"function":  "logLocalAddresses",
		"addresses": strings.Join(ips, ", "),
	}).Info("Server reachable on")
}
