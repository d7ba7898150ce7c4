package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mgoltzsche/transcription-server/internal/cli"
	"github.com/mgoltzsche/transcription-server/internal/metrics"
	"github.com/mgoltzsche/transcription-server/internal/server"
	"github.com/mgoltzsche/transcription-server/internal/tlsutils"
	"github.com/mgoltzsche/transcription-server/internal/transcription"
	"github.com/mgoltzsche/transcription-server/pkg/config"
)

type serverOptions struct {
	Host       string
	Port       int
	TLSEnabled bool
	TLSCert    string
	TLSKey     string
}

func main() {
	configFile := "/etc/transcription-server/config.yaml"
	cfg, err := config.FromFile(configFile)
	configFlag := &config.Flag{File: configFile, Config: &cfg}

	if err != nil && errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}

	opts := serverOptions{Host: "0.0.0.0", Port: 3001}

	flag.Var(configFlag, "config", "Path to the configuration file")
	flag.StringVar(&opts.Host, "host", opts.Host, "Address the server should listen on")
	flag.IntVar(&opts.Port, "port", opts.Port, "Port the server should listen on")
	flag.BoolVar(&opts.TLSEnabled, "tls", opts.TLSEnabled, "Serve securely via HTTPS/TLS")
	flag.StringVar(&opts.TLSKey, "tls-key", opts.TLSKey, "Path to the TLS key file")
	flag.StringVar(&opts.TLSCert, "tls-cert", opts.TLSCert, "Path to the TLS certificate file")
	config.AddFlags(flag.CommandLine, &cfg)
	cli.ParseFlagsWithEnvVars(flag.CommandLine, "STT_", map[string]string{
		"MODEL_PATH":    "model-path",
		"HOST":          "host",
		"PORT":          "port",
		"GROQ_API_KEY":  "groq-api-key",
		"DEFAULT_MODEL": "groq-model",
	})

	if !configFlag.IsSet && err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runServer(ctx, cfg, opts)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg config.Configuration, opts serverOptions) error {
	m := metrics.New()

	svc, err := transcription.NewService(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer svc.Close()

	info := svc.Backend.Info()
	m.SetModelLoad(info.Backend, info.CurrentModel, info.ModelLoad.Seconds())

	serverCfg := server.Config{
		MaxUploadBytes: cfg.MaxUploadMB << 20,
		CORSOrigins:    cfg.CORSOrigins,
		Metrics:        m.Handler(),
	}

	mux := http.NewServeMux()
	server.AddRoutes(mux, svc, info, serverCfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           server.WithMiddleware(mux, serverCfg),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("terminating")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if opts.TLSEnabled {
		if opts.TLSCert == "" && opts.TLSKey == "" {
			slog.Info("generating self-signed TLS certificate")

			cert, err := tlsutils.SelfSignedCertificate(opts.Host)
			if err != nil {
				return fmt.Errorf("generating tls certificate: %w", err)
			}

			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServeTLS(opts.TLSCert, opts.TLSKey)
	} else {
		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}
