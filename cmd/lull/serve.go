package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"

	"github.com/crusader-labs/lull/internal/control"
	"github.com/crusader-labs/lull/internal/lullserver"
	"github.com/crusader-labs/lull/internal/metrics"
)

const mdnsServiceType = "_lull._tcp"

func newServeCmd() *cobra.Command {
	var (
		listen      string
		maxClients  int
		metricsAddr string
		idleTimeout time.Duration
		advertise   bool
		mdnsName    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the measurement server",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyStringEnv(cmd, "listen", &listen)
			if err := applyIntEnv(cmd, "max-clients", &maxClients); err != nil {
				return withExitCode(exitUserError, err)
			}
			applyStringEnv(cmd, "metrics-addr", &metricsAddr)
			if err := applyDurationEnv(cmd, "idle-timeout", &idleTimeout); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyBoolEnv(cmd, "advertise", &advertise); err != nil {
				return withExitCode(exitUserError, err)
			}
			applyStringEnv(cmd, "mdns-name", &mdnsName)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics.InitBuildInfo(version, commit, date)
			return runServe(ctx, listen, maxClients, metricsAddr, idleTimeout, advertise, mdnsName)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":35481", "TCP/UDP bind address")
	cmd.Flags().IntVar(&maxClients, "max-clients", 0, "Reject new tests once this many clients are active (0 = unlimited)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "Drop a client's control session after this much inactivity")
	cmd.Flags().BoolVar(&advertise, "advertise", false, "Advertise this server over mDNS")
	cmd.Flags().StringVar(&mdnsName, "mdns-name", "", "mDNS instance name (default lull-<hostname>)")
	return cmd
}

func runServe(ctx context.Context, listen string, maxClients int, metricsAddr string, idleTimeout time.Duration, advertise bool, mdnsName string) error {
	srv := lullserver.NewServer(
		lullserver.WithListenAddr(listen),
		lullserver.WithMaxClients(maxClients),
		lullserver.WithSessionOptions(control.WithServerIdleTimeout(idleTimeout)),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	var metricsSrv interface{ Shutdown(context.Context) error }
	if metricsAddr != "" {
		metricsSrv = metrics.StartHTTP(metricsAddr)
	}
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
			return true
		default:
			return false
		}
	})

	go func() {
		<-srv.Ready()
		if !advertise {
			return
		}
		_, portStr, err := net.SplitHostPort(srv.Addr())
		if err != nil {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return
		}
		instance := mdnsName
		if instance == "" {
			host, _ := os.Hostname()
			instance = fmt.Sprintf("lull-%s", host)
		}
		meta := []string{"version=" + version, "commit=" + commit}
		svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
		if err != nil {
			return
		}
		<-ctx.Done()
		svc.Shutdown()
	}()

	select {
	case err := <-serveErr:
		return withExitCode(exitUserError, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return withExitCode(exitUserError, err)
	}
	return <-serveErr
}
