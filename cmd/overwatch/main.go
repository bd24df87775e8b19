package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"overwatch/internal/alarm"
	"overwatch/internal/config"
	"overwatch/internal/correlator"
	"overwatch/internal/engine"
	"overwatch/internal/events"
	"overwatch/internal/logging"
	"overwatch/internal/metrics"
	"overwatch/internal/model"
	"overwatch/internal/router"
	"overwatch/internal/source"
	"overwatch/internal/store"
	"overwatch/internal/workflow"
	"overwatch/internal/ws"
)

func main() {
	var (
		deploymentF = flag.String("deployment", "", "Deployment config path (overrides OVERWATCH_DEPLOYMENT)")
		dbF         = flag.String("db", "", "Database path (overrides OVERWATCH_DB)")
		failFastF   = flag.Bool("fail-fast", false, "Stop a workflow on its first persistent node error")
	)
	flag.Parse()

	logger := logging.New()
	config.LoadEnv(logger)
	cfg := config.FromEnv()
	if *deploymentF != "" {
		cfg.DeploymentPath = *deploymentF
	}
	if *dbF != "" {
		cfg.DBPath = *dbF
	}

	if err := run(logger, cfg, *failFastF); err != nil {
		logger.WithError(err).Fatal("overwatch exited")
	}
}

func run(logger *logrus.Logger, cfg config.Runtime, failFast bool) error {
	log := logging.Component(logger, "main")

	dep, err := config.LoadDeployment(cfg.DeploymentPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	mc := metrics.NewCollector()
	bus := events.NewBus(cfg.EventBusHistory)
	defer bus.Close()

	sources := source.NewManager(logger, mc, source.Options{
		RingSize:       cfg.RingSize,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectMax:   cfg.ReconnectMax,
		MaxRetries:     cfg.ReconnectRetries,
	})
	rtr := router.New(sources, logger, mc)

	registry := model.NewRegistry(logger)
	for _, m := range dep.Models {
		registry.Register(m.ID, model.GRPCFactory(m.Endpoint, m.ID, model.Info{
			Status:          model.StatusProduction,
			Dependencies:    []string{"inference service at " + m.Endpoint},
			DependenciesMet: true,
		}))
	}
	for _, m := range dep.AudioModels {
		registry.RegisterAudio(m.ID, model.GRPCAudioFactory(m.Endpoint, m.ID, model.Info{
			Status:          model.StatusProduction,
			Dependencies:    []string{"inference service at " + m.Endpoint},
			DependenciesMet: true,
		}))
	}

	alarms := alarm.NewManager(logger, mc, alarm.Options{
		SLA:   alarm.DefaultSLA,
		Store: st,
		Bus:   bus,
	})
	defer alarms.Close()

	open, err := st.LoadOpenAlarms(context.Background())
	if err != nil {
		return fmt.Errorf("restore alarms: %w", err)
	}
	alarms.Restore(open)
	log.WithField("count", len(open)).Info("open alarms restored")

	devices := make(correlator.StaticRegistry, len(dep.Devices))
	for id, d := range dep.Devices {
		devices[id] = correlator.DeviceInfo{
			Tenant:      d.Tenant,
			Site:        d.Site,
			Area:        d.Area,
			Location:    d.Location,
			HealthScore: d.HealthScore,
			FPRate:      d.FPRate,
			Tags:        d.Tags,
		}
	}
	corr := correlator.New(logger, alarms, correlator.Options{
		Window:  cfg.CorrelationWindow,
		Devices: devices,
		Writer:  st,
	})
	defer corr.Close()

	actions := engine.NewActionWorker(logger, corr, st, sources, engine.SMTPConfig{
		Host:     dep.SMTP.Host,
		Port:     dep.SMTP.Port,
		From:     dep.SMTP.From,
		Username: dep.SMTP.Username,
		Password: dep.SMTP.Password,
	}, cfg.SnapshotDir, cfg.RecordingDir)
	defer actions.Close()

	cameras := make(map[string]source.Config, len(dep.Cameras))
	for _, c := range dep.Cameras {
		kind := source.Kind(c.Kind)
		if kind == "" {
			kind = source.KindRTSP
		}
		cameras[c.ID] = source.Config{
			ID:        c.ID,
			Kind:      kind,
			Location:  c.Location,
			Quality:   source.Quality(c.Quality),
			TargetFPS: c.TargetFPS,
		}
	}

	eng := engine.New(logger, mc, bus, sources, rtr, registry, st, actions, engine.Options{
		Cameras:  cameras,
		Tenant:   dep.Tenant,
		FailFast: failFast,
	})

	resumeWorkflows(log, st, eng)

	hub := ws.NewHub(logger, bus)
	defer hub.Close()

	var debugSrv *http.Server
	if cfg.DebugListenAddr != "" {
		debugSrv = debugServer(cfg.DebugListenAddr, mc, hub, alarms)
		go func() {
			log.WithField("addr", cfg.DebugListenAddr).Info("debug server listening")
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("debug server failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if debugSrv != nil {
		debugSrv.Shutdown(ctx)
	}
	eng.Close(ctx)
	sources.Close(5 * time.Second)
	return nil
}

// resumeWorkflows restarts every workflow that was running when the process
// last stopped.
func resumeWorkflows(log *logrus.Entry, st *store.Store, eng *engine.Engine) {
	workflows, err := st.ListWorkflows(context.Background())
	if err != nil {
		log.WithError(err).Error("list workflows for resume failed")
		return
	}
	for _, w := range workflows {
		if w.Status != workflow.StatusRunning {
			continue
		}
		if _, err := eng.Deploy(context.Background(), w); err != nil {
			log.WithError(err).WithField("workflow_id", w.ID).Error("workflow resume failed")
			continue
		}
		log.WithFields(logrus.Fields{"workflow_id": w.ID, "version": w.Version}).Info("workflow resumed")
	}
}

func debugServer(addr string, mc *metrics.Collector, hub *ws.Hub, alarms *alarm.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mc.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/ws/events/", ws.NewHandler(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok open_alarms=%d ws_clients=%d\n", alarms.OpenCount(), hub.ClientCount())
	})
	mux.HandleFunc("/alarms/export", func(w http.ResponseWriter, r *http.Request) {
		format := alarm.FormatJSON
		if r.URL.Query().Get("format") == "csv" {
			format = alarm.FormatCSV
			w.Header().Set("Content-Type", "text/csv")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		if err := alarms.Export(w, alarm.Filter{}, format); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return &http.Server{Addr: addr, Handler: mux}
}
