// Command tftpd serves a directory over TFTP (RFC 1350, RFC 2347-49).
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/eahydra/tftpd"
	"github.com/eahydra/tftpd/internal/fsroot"
)

func main() {
	var (
		listenAddrs []string
		port        int
		root        string
		readOnly    bool
		verbose     bool
		metricsAddr string
	)

	flag.StringSliceVar(&listenAddrs, "listen", []string{""}, "address(es) to bind (empty binds all interfaces)")
	flag.IntVar(&port, "port", tftpd.DefaultPort, "UDP port to serve on")
	flag.StringVar(&root, "root", ".", "directory served for RRQ/WRQ")
	flag.BoolVar(&readOnly, "read-only", false, "reject every WRQ (upload) instead of writing into root")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9109)")
	flag.Parse()

	log := logrus.StandardLogger()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	fs := fsroot.New(root, readOnly)
	srv := tftpd.NewServer(fs.RRQFactory, nil)
	if !readOnly {
		srv.WRQFactory = fs.WRQFactory
	}
	srv.Logger = log

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		srv.Registerer = reg
		go serveMetrics(metricsAddr, reg, log)
	}

	log.WithFields(logrus.Fields{
		"root": root,
		"port": port,
	}).Info("tftp: starting server")

	if err := srv.ListenAndServe(listenAddrs, port); err != nil {
		fmt.Fprintln(os.Stderr, "tftpd:", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("tftp: metrics listener failed")
	}
}
