package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/regbridge/modbus-gateway/api"
	"github.com/regbridge/modbus-gateway/slave"
	"github.com/regbridge/modbus-gateway/storage"
	"github.com/regbridge/modbus-gateway/units"
)

func main() {
	storagePath := kingpin.Flag(
		"storage.path",
		"Directory holding the persisted slave and source definitions.",
	).Default("/var/lib/modbus-gateway").String()
	unitsFile := kingpin.Flag(
		"units.file",
		"Catalog of permitted measurement unit symbols.",
	).Default("units.yml").String()
	webConfig := webflag.AddFlags(kingpin.CommandLine, ":9716")

	promlogConfig := &promlog.Config{}
	promlogflag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("modbus_gateway"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := promlog.New(promlogConfig)

	// The store and the unit catalog are fatal startup dependencies;
	// there is no degraded mode without them.
	store, err := storage.Open(*storagePath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open storage", "err", err)
		os.Exit(1)
	}
	catalog, err := units.Load(*unitsFile)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load unit catalog", "err", err)
		os.Exit(1)
	}

	hub := api.NewHub(logger)
	manager := slave.NewManager(slave.Options{
		Store:   store,
		Catalog: catalog,
		Notify:  hub.Publish,
		Logger:  logger,
	})
	if err := manager.Start(); err != nil {
		level.Error(logger).Log("msg", "failed to replay slaves", "err", err)
		os.Exit(1)
	}

	router := http.NewServeMux()
	router.Handle("/v1/", api.New(manager, hub, logger).Routes())
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<html>
<head><title>Modbus Gateway</title></head>
<body>
<h1>Modbus Gateway</h1>
<p><a href="/v1/slaves">Slaves</a></p>
<p><a href="/metrics">Metrics</a></p>
</body>
</html>`))
	})

	srv := &http.Server{Handler: router}
	errc := make(chan error, 1)
	go func() {
		errc <- web.ListenAndServe(srv, webConfig, logger)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
	case err := <-errc:
		level.Error(logger).Log("msg", "listener failed", "err", err)
	}

	// Orderly teardown; durable state is left alone.
	manager.Close()
	srv.Close()
}
