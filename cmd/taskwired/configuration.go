package main

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskwire/taskwire-go/pkg/server"
	"github.com/taskwire/taskwire-go/pkg/storage"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Limits    limitsConf
	Auth      authConf
	Protected []protectedConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Listen  string
	Archive string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// limitsConf describes the per-connection Limits-configuration block.
type limitsConf struct {
	MessageLimit int    `toml:"message-limit"`
	Window       string `toml:"window"`
	TaskLimit    int    `toml:"task-limit"`
}

// authConf holds the statically configured bearer tokens.
type authConf struct {
	Token []tokenConf
}

type tokenConf struct {
	Token string
	User  string
	Role  string
}

// protectedConf declares a domain:action requiring authentication.
type protectedConf struct {
	Domain string
	Action string
	Claims []string
}

// configureLogging applies a Logging-configuration block.
func configureLogging(conf logConf) error {
	if conf.Level != "" {
		if level, err := log.ParseLevel(conf.Level); err != nil {
			return err
		} else {
			log.SetLevel(level)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format \"%s\"", conf.Format)
	}

	return nil
}

// daemon bundles the wired components of one taskwired instance.
type daemon struct {
	configPath string
	httpServer *http.Server
	controller *server.Controller
	archive    *storage.Store
}

// parseConfig reads the TOML file and wires a daemon from it.
func parseConfig(path string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(path, &conf); err != nil {
		return
	}

	if err = configureLogging(conf.Logging); err != nil {
		return
	}

	var archive *storage.Store
	if conf.Core.Archive != "" {
		if archive, err = storage.NewStore(conf.Core.Archive); err != nil {
			return
		}
	}

	window := time.Duration(0)
	if conf.Limits.Window != "" {
		if window, err = time.ParseDuration(conf.Limits.Window); err != nil {
			return
		}
	}

	metrics := server.NewMetrics()

	controller, err := server.NewController(server.Config{
		Executor: newEchoExecutor(),
		Identity: newStaticIdentity(conf.Auth.Token),
		Archive:  archive,
		Metrics:  metrics,

		MessageLimit: conf.Limits.MessageLimit,
		RateWindow:   window,
		TaskLimit:    conf.Limits.TaskLimit,
	})
	if err != nil {
		return nil, err
	}

	for _, protected := range conf.Protected {
		controller.RequireAuth(protected.Domain, protected.Action, protected.Claims...)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", controller.WebsocketHandler)
	router.HandleFunc("/stream", controller.StreamHandler).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	listen := conf.Core.Listen
	if listen == "" {
		listen = ":8080"
	}

	d = &daemon{
		configPath: path,
		httpServer: &http.Server{
			Addr:    listen,
			Handler: router,
		},
		controller: controller,
		archive:    archive,
	}
	return
}

// reloadLogging re-reads only the Logging block, used by the config watcher.
func (d *daemon) reloadLogging() {
	var conf tomlConfig
	if _, err := toml.DecodeFile(d.configPath, &conf); err != nil {
		log.WithError(err).Warn("Re-reading configuration errored")
		return
	}

	if err := configureLogging(conf.Logging); err != nil {
		log.WithError(err).Warn("Re-applying logging configuration errored")
		return
	}

	log.WithField("level", log.GetLevel()).Info("Logging configuration reloaded")
}

func (d *daemon) close() {
	if err := d.controller.Close(); err != nil {
		log.WithError(err).Warn("Closing connections errored")
	}

	_ = d.httpServer.Close()

	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			log.WithError(err).Warn("Closing archive errored")
		}
	}
}
