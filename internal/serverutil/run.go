package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Drainer is a named shutdown step run after the listener stops.
type Drainer struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// DrainTimeout bounds all Drain steps together.
	DrainTimeout time.Duration
	// Drain runs in order once HTTP shutdown finishes, even when serving
	// failed.
	Drain  []Drainer
	Ready  chan<- struct{}
	Logger *slog.Logger
}

const (
	// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
)

// Run starts the provided HTTP server and blocks until it stops. If TLS
// certificate and key files are provided, the server will listen with TLS.
// When the context is cancelled, Run attempts a graceful shutdown bounded by
// ShutdownTimeout, then runs the drain steps.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	err := serve(ctx, cfg)
	if drainErr := drain(cfg); drainErr != nil {
		err = errors.Join(err, drainErr)
	}
	return err
}

func serve(ctx context.Context, cfg Config) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}

		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}

func drain(cfg Config) error {
	if len(cfg.Drain) == 0 {
		return nil
	}
	timeout := cfg.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, step := range cfg.Drain {
		if step.Fn == nil {
			continue
		}
		if err := step.Fn(ctx); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Error("shutdown step failed", "step", step.Name, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		if cfg.Logger != nil {
			cfg.Logger.Debug("shutdown step complete", "step", step.Name)
		}
	}
	return errors.Join(errs...)
}
