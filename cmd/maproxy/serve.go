package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aixiwang/maproxy/internal/admin"
	"github.com/aixiwang/maproxy/internal/config"
	"github.com/aixiwang/maproxy/internal/listener"
	"github.com/aixiwang/maproxy/internal/manager"
	"github.com/aixiwang/maproxy/internal/tlsconfig"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := manager.New(log.Logger)

	for _, lc := range cfg.Listeners {
		inboundTLS, err := buildInboundTLS(lc)
		if err != nil {
			return err
		}
		outboundTLS, err := buildOutboundTLS(lc)
		if err != nil {
			return err
		}

		ln := listener.New(listener.Config{
			Address:     lc.Address,
			TargetHost:  lc.TargetHost,
			TargetPort:  lc.TargetPort,
			InboundTLS:  inboundTLS,
			OutboundTLS: outboundTLS,
			DialTimeout: lc.DialTimeout(),
		}, log.Logger)

		if _, err := mgr.Add(ln); err != nil {
			return err
		}
	}

	var adminSrv *admin.Server
	if cfg.Admin != nil && cfg.Admin.Address != "" {
		adminSrv = admin.New(cfg.Admin.Address, mgr, log.Logger)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("admin server error")
				stop()
			}
		}()
	}

	log.Info().Int("listeners", len(cfg.Listeners)).Msg("maproxy started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if adminSrv != nil {
		if err := adminSrv.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown error")
		}
	}

	graceful := time.Duration(cfg.GracefulShutdownSeconds * float64(time.Second))
	mgr.Stop(graceful)

	log.Info().Msg("shutdown complete")
	return nil
}

func buildInboundTLS(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.InboundTLS == nil {
		return nil, nil
	}
	return tlsconfig.BuildInbound(tlsconfig.InboundOptions{
		CertFile:       lc.InboundTLS.CertFile,
		KeyFile:        lc.InboundTLS.KeyFile,
		AutocertDomain: lc.InboundTLS.AutocertDomain,
		AutocertCache:  lc.InboundTLS.AutocertCache,
		DevSelfSigned:  lc.InboundTLS.DevSelfSigned,
	})
}

func buildOutboundTLS(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.OutboundTLS == nil || lc.OutboundTLS.Mode == "" || lc.OutboundTLS.Mode == "none" {
		return nil, nil
	}
	return tlsconfig.BuildOutbound(tlsconfig.OutboundOptions{
		Enabled:            true,
		ClientCertFile:     lc.OutboundTLS.ClientCertFile,
		ClientKeyFile:      lc.OutboundTLS.ClientKeyFile,
		InsecureSkipVerify: lc.OutboundTLS.InsecureSkipVerify,
		ServerName:         lc.OutboundTLS.ServerName,
	})
}
