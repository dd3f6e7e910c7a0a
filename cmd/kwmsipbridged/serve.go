/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/server"
	cfg "stash.kopano.io/kwm/kwmsipbridge/config"
	"stash.kopano.io/kwm/kwmsipbridge/version"
)

const defaultListenAddr = "127.0.0.1:8780"

var (
	detectDeadlocks = true
)

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start server and listen for requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("listen", "", fmt.Sprintf("TCP listen address (default \"%s\")", defaultListenAddr))
	serveCmd.Flags().String("config", "", "Path to optional settings file")
	serveCmd.Flags().String("janus-url", "", fmt.Sprintf("URL of the Janus gateway websocket API (default \"%s\")", cfg.DefaultJanusURL))
	serveCmd.Flags().StringArray("ice-server", nil, "STUN or TURN server URL to use for ICE, can be given multiple times")
	serveCmd.Flags().String("host-transport", cfg.HostTransportWebsocket, "Transport of the host container (one of websocket or stdio)")
	serveCmd.Flags().StringArray("allowed-origin", nil, "Browser origin allowed to connect the host websocket, can be given multiple times (\"*\" allows any)")
	serveCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().String("log-file", "", "Additionally write logs to this file, rotated by size")
	serveCmd.Flags().Bool("with-request-log", false, "Log all HTTP requests")
	serveCmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	serveCmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")
	serveCmd.Flags().Bool("with-metrics", false, "Enable metrics")
	serveCmd.Flags().String("metrics-listen", "127.0.0.1:6780", "TCP listen address for metrics")
	serveCmd.Flags().BoolVar(&detectDeadlocks, "with-deadlock-detector", detectDeadlocks, "Enable deadlock detection")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	settings := &cfg.Settings{
		LogMaxSize:    100,
		LogMaxBackups: 1,
	}
	if settingsPath, _ := cmd.Flags().GetString("config"); settingsPath != "" {
		var err error
		settings, err = cfg.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
	}

	logTimestamp, _ := cmd.Flags().GetBool("log-timestamp")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")

	logger, err := newLogger(!logTimestamp, logLevel, &logFileOptions{
		Filename:   logFile,
		MaxSize:    settings.LogMaxSize,
		MaxBackups: settings.LogMaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.WithField("version", version.Version).Infoln("serve start")

	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}

	config := &cfg.Config{
		Logger: logger,
	}
	if err = settings.Apply(config); err != nil {
		return err
	}

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = os.Getenv("KWMSIPBRIDGED_LISTEN")
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	config.ListenAddr = listenAddr

	janusURLString, _ := cmd.Flags().GetString("janus-url")
	if janusURLString == "" {
		janusURLString = os.Getenv("KWMSIPBRIDGED_JANUS_URL")
	}
	if janusURLString != "" {
		config.JanusURI, err = url.Parse(janusURLString)
		if err != nil {
			return fmt.Errorf("invalid janus-url: %w", err)
		}
	}

	if ICEServerStrings, _ := cmd.Flags().GetStringArray("ice-server"); len(ICEServerStrings) > 0 {
		config.ICEServers = ICEServerStrings
		logger.WithField("servers", config.ICEServers).Infoln("using configured ICE servers")
	}

	config.HostTransport, _ = cmd.Flags().GetString("host-transport")
	switch config.HostTransport {
	case cfg.HostTransportWebsocket, cfg.HostTransportStdio:
	default:
		return fmt.Errorf("invalid host-transport: %q", config.HostTransport)
	}

	if allowedOrigins, _ := cmd.Flags().GetStringArray("allowed-origin"); len(allowedOrigins) > 0 {
		config.AllowedOrigins = allowedOrigins
	}
	if len(config.AllowedOrigins) > 0 {
		logger.WithField("origins", config.AllowedOrigins).Infoln("allowing additional host websocket origins")
	}

	config.RequestLog, _ = cmd.Flags().GetBool("with-request-log")

	var tlsClientConfig *tls.Config
	tlsInsecureSkipVerify, _ := cmd.Flags().GetBool("insecure")
	if tlsInsecureSkipVerify {
		// NOTE(longsleep): This disable http2 client support. See https://github.com/golang/go/issues/14275 for reasons.
		tlsClientConfig = &tls.Config{
			InsecureSkipVerify: tlsInsecureSkipVerify,
		}
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
		logger.Debugln("http2 client support is disabled (insecure mode)")
	}
	config.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tlsClientConfig,
		},
	}

	// Metrics support.
	config.WithMetrics, _ = cmd.Flags().GetBool("with-metrics")
	metricsListenAddr, _ := cmd.Flags().GetString("metrics-listen")
	config.MetricsListenAddr = metricsListenAddr
	if config.WithMetrics && metricsListenAddr != "" {
		reg := prometheus.NewPedanticRegistry()
		config.Metrics = prometheus.WrapRegistererWithPrefix("kwmsipbridged_", reg)
		// Add the standard process and Go metrics to the custom registry.
		reg.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
		go func() {
			metricsListen := metricsListenAddr
			handler := http.NewServeMux()
			logger.WithField("listenAddr", metricsListen).Infoln("metrics enabled, starting listener")
			handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(metricsListen, handler)
			if err != nil {
				logger.WithError(err).Errorln("unable to start metrics listener")
			}
		}()
	}

	config.ApplyDefaults()
	logger.WithFields(logrus.Fields{
		"janus":          config.JanusURI.String(),
		"host_transport": config.HostTransport,
		"reconnect_max":  config.ReconnectMaxRetries,
		"send_retry_max": config.SendMaxRetries,
	}).Debugln("configuration complete")

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			err := http.ListenAndServe(pprofListen, nil)
			if err != nil {
				logger.WithError(err).Errorln("unable to start pprof listener")
			}
		}()
	}

	logger.Infoln("serve started")
	return srv.Serve(ctx)
}
