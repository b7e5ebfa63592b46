package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/mapper"
	"github.com/famedly/uia-proxy/internal/oidc"
	"github.com/famedly/uia-proxy/internal/proxy"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
	"github.com/famedly/uia-proxy/internal/store"
	"github.com/famedly/uia-proxy/internal/token"
	"github.com/famedly/uia-proxy/internal/uia"
)

// endpointPaths maps a configured UIA endpoint name to the path clients
// hit on this proxy, which mirrors the real homeserver path it fronts
// (spec.md §6 "Wire — client side" / "Wire — upstream homeserver").
var endpointPaths = map[string]string{
	config.EndpointLogin:                   "/_matrix/client/r0/login",
	config.EndpointPassword:                "/_matrix/client/r0/account/password",
	config.EndpointDeleteDevice:            "/_matrix/client/r0/devices/",
	config.EndpointDeleteDevices:           "/_matrix/client/r0/delete_devices",
	config.EndpointUploadDeviceSigningKeys: "/_matrix/client/r0/keys/device_signing/upload",
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := store.NewFileKV(cfg.UsernameMapper.Folder)
	if err != nil {
		return err
	}
	userMapper, err := mapper.New(cfg.UsernameMapper.Mode, cfg.UsernameMapper.Pepper, cfg.UsernameMapper.BinaryPid, kv)
	if err != nil {
		return err
	}

	var oidcMgr *oidc.Manager
	if len(cfg.OIDC.Providers) > 0 {
		oidcMgr, err = oidc.NewManager(ctx, cfg.OIDC)
		if err != nil {
			return err
		}
	}

	minter, err := token.NewMinter(cfg.Homeserver.Token.Algorithm, cfg.Homeserver.Token.Secret, cfg.Homeserver.Token.Expires())
	if err != nil {
		return err
	}

	hs := proxy.NewHomeserver(cfg.Homeserver.URL, 15*time.Second)
	sessions := session.New(ctx, cfg.Session.Timeout(), 10*time.Second)

	mux := http.NewServeMux()
	for name, epCfg := range cfg.UIA {
		path, ok := endpointPaths[name]
		if !ok {
			continue
		}
		handler, err := buildStageHandler(epCfg, cfg, userMapper, oidcMgr)
		if err != nil {
			return err
		}
		changer, err := findPasswordChanger(epCfg, userMapper)
		if err != nil {
			return err
		}
		mux.HandleFunc(path, proxy.Endpoint(name, epCfg, sessions, handler, hs, minter, changer))
	}

	if oidcMgr != nil {
		for providerID := range cfg.OIDC.Providers {
			mux.HandleFunc("/sso/redirect/"+providerID, oidcMgr.HandleRedirect(providerID))
		}
		mux.HandleFunc("/sso/callback", oidcMgr.HandleCallback())
	}

	srv := &http.Server{
		Addr:              cfg.Webserver.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Logger.Info("uia-proxy listening", "addr", cfg.Webserver.Addr())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logging.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// buildStageHandler constructs the StageHandler for one endpoint,
// instantiating every stage its configured flows reference.
func buildStageHandler(epCfg config.Endpoint, cfg *config.Config, m *mapper.Mapper, oidcMgr *oidc.Manager) (*uia.StageHandler, error) {
	instances := make(map[string]stages.Stage, len(epCfg.Stages))
	for stageType, stageCfg := range epCfg.Stages {
		stage, err := buildStage(stageType, stageCfg, cfg.Homeserver.Domain, m, oidcMgr, cfg.CRM)
		if err != nil {
			return nil, err
		}
		instances[stageType] = stage
	}
	return &uia.StageHandler{Flows: epCfg.Flows, Stages: instances, StageAliases: epCfg.StageAliases}, nil
}
