package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
)

// waitSigterm blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigterm() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	<-signalSyn
}

// watchConfig reloads the logging configuration whenever the file changes.
func watchConfig(d *daemon) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(d.configPath); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&fsnotify.Write == fsnotify.Write {
				d.reloadLogging()
			}
		}
	}()

	return watcher, nil
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	d, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	watcher, err := watchConfig(d)
	if err != nil {
		log.WithError(err).Warn("Watching configuration errored; continuing without reload")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	go func() {
		log.WithField("listen", d.httpServer.Addr).Info("Starting taskwired")

		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server errored")
		}
	}()

	waitSigterm()
	log.Info("Shutting down..")

	d.close()
}
