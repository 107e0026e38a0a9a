package subcmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meerkat-bl/bluse/kernel/api"
	"github.com/meerkat-bl/bluse/kernel/archive"
	"github.com/meerkat-bl/bluse/kernel/dispatch"
	"github.com/meerkat-bl/bluse/kernel/engine"
	"github.com/meerkat-bl/bluse/kernel/katcp"
	"github.com/meerkat-bl/bluse/kernel/loader"
	"github.com/meerkat-bl/bluse/kernel/metrics"
	"github.com/meerkat-bl/bluse/kernel/sensors"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/michaelquigley/figlet/figletlib"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	RootCmd.AddCommand(NewServeCommand())
}

func NewServeCommand() *cobra.Command {
	serveCmd := &ServeCommand{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the product lifecycle coordinator",
		Long: `Run the coordinator: the KATCP command server CAM connects to, the
sensor subscription manager, and the HTTP status API.

With policy.sensors set to 'alerts' the subscription manager is driven from
the alert channel instead of directly by the coordinator.`,
		RunE: serveCmd.run,
	}

	cmd.Flags().StringVarP(&serveCmd.ConfigPath, "config", "c", "", "path to YAML configuration file (defaults are used when empty)")
	cmd.Flags().StringVar(&serveCmd.FontDir, "banner-fonts", "/usr/share/figlet", "figlet font directory for the startup banner")

	return cmd
}

type ServeCommand struct {
	ConfigPath string
	FontDir    string
}

func loadConfig(path string) (*loader.Config, error) {
	if path == "" {
		return loader.Default(), nil
	}
	return loader.Load(path)
}

func (s *ServeCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	s.banner()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.NewStore(cfg.Store.Type, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var sinks []sensors.SampleSink
	if cfg.Influx.Enabled() {
		influx := archive.NewInflux(cfg.ArchiveConfig())
		defer influx.Close()
		sinks = append(sinks, influx)
	}

	manager := sensors.NewManager(cfg.PortalDialer(), st, cfg.SensorsConfig(), m, sinks...)
	defer manager.Close()

	opts := []engine.Option{
		engine.WithPolicy(cfg.EnginePolicy()),
		engine.WithMetrics(m),
		engine.WithSensorTimeout(cfg.Portal.RPCTimeout),
	}
	if cfg.Policy.Sensors == loader.SensorsInline {
		opts = append(opts, engine.WithSensors(manager))
	}
	coordinator := engine.NewCoordinator(st, st, cfg.Redis.Channel, opts...)
	defer coordinator.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	katcpServer := katcp.NewServer(katcp.Config{
		Address:        cfg.Katcp.Addr,
		RequestTimeout: cfg.Katcp.RequestTimeout,
	}, coordinator, cancel)
	g.Go(func() error { return katcpServer.ListenAndServe(ctx) })

	if cfg.Policy.Sensors == loader.SensorsAlerts {
		listener := dispatch.NewListener(st, cfg.Redis.Channel, sensors.NewAlertHandler(manager, cfg.Portal.CaptureStartTargets))
		g.Go(func() error { return listener.Run(ctx) })
	}

	httpServer := &http.Server{
		Addr: cfg.Api.Addr,
		Handler: api.NewRouter(api.RouterConfig{
			Source:        api.NewService(coordinator, manager),
			Gatherer:      reg,
			Store:         st,
			MaxGoroutines: 1000,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		pfxlog.Logger().WithField("address", cfg.Api.Addr).Info("status api listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serving status api")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return httpServer.Shutdown(shutdownCtx)
	})

	logrus.Infof("coordinating data products (store=%s, sensors=%s)", cfg.Store.Type, cfg.Policy.Sensors)
	err = g.Wait()
	logrus.Info("shutting down")
	return err
}

func (s *ServeCommand) banner() {
	font, err := figletlib.GetFontByName(s.FontDir, "standard")
	if err != nil {
		logrus.Debugf("no figlet font in '%s': %v", s.FontDir, err)
		fmt.Println("bluse")
		return
	}
	figletlib.PrintMsg("bluse", font, 80, font.Settings(), "left")
}
