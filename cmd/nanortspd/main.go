package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/nanortsp"
	"github.com/opd-ai/nanortsp/camera"
	"github.com/opd-ai/nanortsp/httpmjpeg"
)

// shutdownTimeout bounds the graceful HTTP viewer drain; streams still
// open after it are closed hard.
const shutdownTimeout = 2 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Usage = usage
	flag.Parse()

	config, err := LoadConfiguration(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		config.Log.Level = "debug"
	}
	configureLogging(config)

	if err := run(config); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("daemon failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "NanoRTSP multi-client MJPEG streaming daemon\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nConfiguration can be provided via YAML file or environment variables;\n")
	fmt.Fprintf(os.Stderr, "environment variables take precedence over file settings.\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_RTSP_ADDR      - RTSP listen address\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_STREAM_PATH    - RTSP stream path\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_MAX_SESSIONS   - concurrent client cap\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_FALLBACK       - disabled, auto or force-tcp\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_HTTP_ENABLED   - serve the HTTP MJPEG viewer\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_HTTP_ADDR      - HTTP viewer listen address\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_TARGET_FPS     - target framerate\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_QUALITY        - JPEG quality hint (1-100)\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_TIMECODE_MODE  - basic, advanced or expert\n")
	fmt.Fprintf(os.Stderr, "  NANORTSP_LOG_LEVEL      - trace, debug, info, warn or error\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s -config /etc/nanortsp/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  NANORTSP_RTSP_ADDR=:9554 %s -verbose\n", os.Args[0])
}

func configureLogging(config *Configuration) {
	level, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(config.Log.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func run(config *Configuration) error {
	source, err := camera.NewSyntheticSource(config.Video.Width, config.Video.Height, config.Video.TargetFPS)
	if err != nil {
		return fmt.Errorf("failed to create frame source: %w", err)
	}

	srv, err := nanortsp.New(config.serverOptions(), source)
	if err != nil {
		return err
	}
	defer srv.Kill()

	httpErr := make(chan error, 1)
	var viewer *httpmjpeg.Server
	if config.HTTP.Enabled {
		viewer, err = httpmjpeg.NewServer(config.HTTP.ListenAddr, config.HTTP.Path, source, config.Video.TargetFPS)
		if err != nil {
			return err
		}
		go func() { httpErr <- viewer.Serve() }()
	}

	logStartup(config, srv, viewer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(srv.IterationInterval())
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"signal":   sig.String(),
			}).Info("received signal, shutting down")
			stopViewer(viewer)
			return nil
		case err := <-httpErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http viewer failed: %w", err)
			}
		case <-ticker.C:
			srv.Iterate()
		}
	}
}

func logStartup(config *Configuration, srv *nanortsp.Server, viewer *httpmjpeg.Server) {
	logrus.WithFields(logrus.Fields{
		"function":     "logStartup",
		"rtsp_url":     serviceURL("rtsp", srv.Addr().String(), config.RTSP.StreamPath),
		"target_fps":   config.Video.TargetFPS,
		"quality":      config.Video.Quality,
		"max_sessions": config.RTSP.MaxSessions,
	}).Info("RTSP stream ready")

	if viewer != nil {
		logrus.WithFields(logrus.Fields{
			"function": "logStartup",
			"http_url": serviceURL("http", viewer.Addr().String(), config.HTTP.Path),
		}).Info("HTTP MJPEG viewer ready")
	}
}

// serviceURL renders a dialable URL for a bound listen address whose
// host part may be empty or a wildcard.
func serviceURL(scheme, addr, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return scheme + "://" + addr + path
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			host = name
		} else {
			host = "localhost"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port) + path
}

func stopViewer(viewer *httpmjpeg.Server) {
	if viewer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := viewer.Shutdown(ctx); err != nil {
		_ = viewer.Close()
	}
}
