// Command lanvoice runs the voice engine from the terminal: host a bubble,
// browse for nearby ones, or join one by name. Audio devices are synthetic
// (a test tone in, a sink out) so the command exercises the full network
// path on any machine.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanvoice"
	"github.com/opd-ai/lanvoice/config"
	"github.com/opd-ai/lanvoice/device"
	"github.com/opd-ai/lanvoice/metrics"
	"github.com/opd-ai/lanvoice/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		name       = flag.String("name", "", "display name (defaults to hostname)")
		host       = flag.String("host", "", "host a bubble with this name")
		join       = flag.String("join", "", "join the first discovered bubble with this name")
		list       = flag.Bool("list", false, "browse and print discovered bubbles")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load configuration")
		}
		cfg = loaded
	}
	if *name != "" {
		cfg.Session.DisplayName = *name
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if *host == "" && *join == "" && !*list {
		fmt.Fprintln(os.Stderr, "one of -host, -join or -list is required")
		flag.Usage()
		os.Exit(2)
	}

	var collector *metrics.Collector
	if cfg.Monitoring.PrometheusEnabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		go serveMetrics(cfg.Monitoring.PrometheusPort)
	}

	input := device.NewToneInput(440, 0.5, cfg.Audio.SampleRate)
	output := device.NewSinkOutput()

	engine, err := lanvoice.New(cfg,
		lanvoice.WithInput(input),
		lanvoice.WithOutput(output),
		lanvoice.WithCollector(collector),
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create voice engine")
	}
	defer engine.Close()

	engine.OnError(func(err error) {
		logrus.WithError(err).Warn("Engine reported recoverable error")
	})

	switch {
	case *host != "":
		runHost(engine, *host)
	case *join != "":
		runJoin(engine, *join)
	case *list:
		runList(engine)
	}
}

// runHost creates a bubble and reports participants until interrupted.
func runHost(engine *lanvoice.Engine, name string) {
	info, err := engine.CreateBubble(name)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create bubble")
	}
	fmt.Printf("hosting bubble %q (%s)\n", info.Name, info.ID)

	waitAndReport(engine)
}

// runJoin browses until a bubble with the given name appears, then joins it.
func runJoin(engine *lanvoice.Engine, name string) {
	found := make(chan session.BubbleInfo, 1)
	engine.OnBubbleFound(func(info session.BubbleInfo) {
		if info.Name == name {
			select {
			case found <- info:
			default:
			}
		}
	})

	if err := engine.StartDiscovery(); err != nil {
		logrus.WithError(err).Fatal("Failed to start discovery")
	}
	fmt.Printf("searching for bubble %q...\n", name)

	select {
	case info := <-found:
		if err := engine.JoinBubble(info); err != nil {
			logrus.WithError(err).Fatal("Failed to join bubble")
		}
		fmt.Printf("joined bubble %q hosted by %s\n", info.Name, info.HostName)
	case <-interrupted():
		return
	}

	waitAndReport(engine)
}

// runList browses and prints every discovered bubble until interrupted.
func runList(engine *lanvoice.Engine) {
	engine.OnBubbleFound(func(info session.BubbleInfo) {
		fmt.Printf("found bubble %q hosted by %s (%d participants)\n",
			info.Name, info.HostName, info.ParticipantCount)
	})
	engine.OnBubbleLost(func(id uuid.UUID) {
		fmt.Printf("lost bubble %s\n", id.String())
	})

	if err := engine.StartDiscovery(); err != nil {
		logrus.WithError(err).Fatal("Failed to start discovery")
	}
	fmt.Println("browsing for bubbles, ctrl-c to stop")

	<-interrupted()
}

// waitAndReport prints a status line every 2 seconds until interrupted.
func waitAndReport(engine *lanvoice.Engine) {
	stop := interrupted()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			fmt.Println("leaving")
			if err := engine.Leave(); err != nil {
				logrus.WithError(err).Warn("Failed to leave bubble cleanly")
			}
			return
		case <-ticker.C:
			participants := engine.Participants()
			fmt.Printf("level=%.2f speaking=%v peers=%d latency=%.1fms lost=%d\n",
				engine.LocalLevel(), engine.LocalSpeaking(),
				len(participants), engine.LatencyMs(), engine.PacketsLost())
			for _, p := range participants {
				fmt.Printf("  %s level=%.2f speaking=%v\n", p.Peer.Name, p.Level, p.Speaking)
			}
		}
	}
}

// interrupted returns a channel closed on SIGINT or SIGTERM.
func interrupted() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

// serveMetrics exposes the Prometheus scrape endpoint.
func serveMetrics(port int) {
	addr := fmt.Sprintf(":%d", port)
	logrus.WithField("addr", addr).Info("Serving Prometheus metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Warn("Metrics server stopped")
	}
}
