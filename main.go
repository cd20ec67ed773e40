package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/the-lightning-land/softwared/api"
	"github.com/the-lightning-land/softwared/appliance"
	"github.com/the-lightning-land/softwared/appmanager"
	"github.com/the-lightning-land/softwared/apply"
	"github.com/the-lightning-land/softwared/backend"
	"github.com/the-lightning-land/softwared/bootenv"
	"github.com/the-lightning-land/softwared/cache"
	"github.com/the-lightning-land/softwared/dbusapi"
	"github.com/the-lightning-land/softwared/galaxy"
	"github.com/the-lightning-land/softwared/orchestrator"
	"github.com/the-lightning-land/softwared/partition"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/remote"
	"github.com/the-lightning-land/softwared/remount"
	"github.com/the-lightning-land/softwared/source"
	"github.com/the-lightning-land/softwared/squash"
	"github.com/the-lightning-land/softwared/statedb"
	"github.com/the-lightning-land/softwared/update"
	"github.com/the-lightning-land/softwared/updateconf"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	// Blank import to set up profiling HTTP handlers.
	_ "net/http/pprof"
)

var (
	// commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	Commit string
	// version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
	// date stores the date of this build. This should be set using -ldflags during compilation.
	Date string
)

const shutdownTimeout = 10 * time.Second

func subsystem(name string) *log.Entry {
	return log.WithField("system", name)
}

// softwaredMain is the true entry point for softwared. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func softwaredMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	// Load CLI configuration and defaults
	cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	} else if err != nil {
		return errors.Errorf("Failed parsing arguments: %v", err)
	}

	// Set logger into debug mode if called with --debug
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		log.Info("Setting debug mode.")
	}

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	log.Debug("Loaded config.")

	// Print version of the daemon
	log.Infof("Version %s (commit %s)", Version, Commit)
	log.Infof("Built on %s", Date)

	// Stop here if only version was requested
	if cfg.ShowVersion {
		return nil
	}

	if cfg.Profiling.Listen != "" {
		go func() {
			log.Infof("Starting profiling server on %v", cfg.Profiling.Listen)
			// Redirect the root path
			http.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))
			// All other handlers are registered on DefaultServeMux through the import of pprof
			err := http.ListenAndServe(cfg.Profiling.Listen, nil)
			if err != nil {
				log.Errorf("Could not run profiler: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// softwared.db keeps the state that has to survive restarts
	stateDB, err := statedb.Open(cfg.DataDir)
	if err != nil {
		return errors.Errorf("Could not open state database: %v", err)
	}

	log.Info("Opened state database.")

	defer func() {
		err := stateDB.Close()
		if err != nil {
			log.Errorf("Could not close state database: %v", err)
		} else {
			log.Info("Closed state database.")
		}
	}()

	updateCfg, err := updateconf.Load(cfg.UpdateConfig)
	if err != nil {
		return errors.Errorf("Could not load update configuration: %v", err)
	}

	deviceKey, err := updateCfg.DeviceKey()
	if err != nil {
		return errors.Errorf("Could not load device key: %v", err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errors.Errorf("Could not connect to the system bus: %v", err)
	}

	defer func() {
		err := conn.Close()
		if err != nil {
			log.Errorf("Could not close system bus connection: %v", err)
		}
	}()

	systemd, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return errors.Errorf("Could not connect to systemd: %v", err)
	}

	defer systemd.Close()

	identity := appliance.NewStore(&appliance.Config{
		ManifestPath:  cfg.Manifest,
		MachineIDPath: cfg.MachineID,
	})

	artifacts := cache.New(&cache.Config{
		Root:   cfg.CacheDir,
		Logger: subsystem("cache"),
	})

	backendClient := backend.NewClient(&backend.Config{
		Conn:   conn,
		Logger: subsystem("backend"),
	})

	hub := progress.NewHub(&progress.Config{
		Backend: backendClient,
		Logger:  subsystem("progress"),
	})

	defer hub.Close()

	var sources []source.Source

	for _, s := range updateCfg.EnabledSources() {
		store, err := source.NewImageStore(&source.ImageStoreConfig{
			Name:            s.Name,
			Endpoint:        s.Endpoint,
			APIKey:          s.APIKey,
			PlatformKeyFile: s.PlatformKeyFile,
			ClientVersion:   Version,
			CheckTimeout:    s.CheckTimeout,
			Identity:        identity,
			Cache:           artifacts,
			Progress:        hub,
			Logger:          subsystem("source").WithField("source", s.Name),
		})
		if err != nil {
			return errors.Errorf("Could not create update source %s: %v", s.Name, err)
		}

		defer store.Close()

		sources = append(sources, store)

		log.Infof("Created update source %s at %s.", s.Name, s.Endpoint)
	}

	if len(sources) == 0 {
		log.Warn("No update source is enabled, system updates will never be found.")
	}

	environment := &apply.Environment{
		Cache:    artifacts,
		Progress: hub,
		Mounter: squash.NewHelperMounter(&squash.Config{
			MountHelper:   cfg.Packages.MountHelper,
			UnmountHelper: cfg.Packages.UnmountHelper,
			MountDir:      cfg.Packages.MountDir,
			Key:           deviceKey,
			Logger:        subsystem("squash"),
		}),
		Remounter: remount.New(&remount.Config{
			Systemd: systemd,
			Unit:    cfg.Packages.RemountUnit,
			Logger:  subsystem("remount"),
		}),
		Backend:  backendClient,
		Versions: identity,
		Orbit:    updateCfg.Orbit,
		Stars: galaxy.NewDBusStars(&galaxy.Config{
			Conn:   conn,
			Stars:  updateCfg.Stars,
			Logger: subsystem("galaxy"),
		}),
		Partition: partition.New(&partition.Config{
			Device:     cfg.Recovery.Device,
			MountPoint: cfg.Recovery.MountPoint,
			FSType:     cfg.Recovery.FSType,
			Logger:     subsystem("partition"),
		}),
		BootEnv: &bootenv.FwSetEnv{Tool: cfg.Recovery.SetEnvTool},
		Logger:  subsystem("apply"),
	}

	// central controller for everything that concerns system updates
	orch := orchestrator.New(&orchestrator.Config{
		Sources:  sources,
		Cache:    artifacts,
		Versions: identity,
		State:    stateDB,
		Applier:  environment,
		Logger:   subsystem("orchestrator"),
	})

	log.Info("Created orchestrator.")

	var apiRemote api.Remote
	var busRemote dbusapi.Remote

	if cfg.Remote.Enabled {
		preferred, err := update.ParseType(cfg.Remote.PreferredType)
		if err != nil {
			return errors.Errorf("Invalid remote update type: %v", err)
		}

		r := remote.New(&remote.Config{
			Orchestrator:  orch,
			Versions:      identity,
			Store:         stateDB,
			PreferredType: preferred,
			SettleDelay:   cfg.Remote.SettleDelay,
			Logger:        subsystem("remote"),
		})

		defer r.Close()

		r.Start()

		apiRemote, busRemote = r, r

		log.Info("Following remote target versions.")
	}

	var apps *appmanager.Manager
	var apiApplications api.Applications

	if cfg.Applications.Enabled {
		apps = appmanager.New(&appmanager.Config{
			Backend:       backendClient,
			State:         stateDB,
			CheckInterval: cfg.Applications.CheckInterval,
			RetryInterval: cfg.Applications.RetryInterval,
			Logger:        subsystem("applications"),
		})

		apiApplications = apps

		log.Info("Created application manager.")
	}

	service := dbusapi.New(&dbusapi.Config{
		Conn:         conn,
		Orchestrator: orch,
		Remote:       busRemote,
		Progress:     hub,
		Logger:       subsystem("dbus"),
	})

	if err := service.Start(); err != nil {
		return errors.Errorf("Could not register on the system bus: %v", err)
	}

	defer func() {
		err := service.Close()
		if err != nil {
			log.Errorf("Could not properly unregister from the system bus: %v", err)
		} else {
			log.Info("Unregistered from the system bus.")
		}
	}()

	a := api.New(&api.Config{
		Orchestrator: orch,
		Remote:       apiRemote,
		Applications: apiApplications,
		Progress:     hub,
		Log:          subsystem("api"),
	})

	listener, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		return errors.Errorf("Could not listen on %s: %v", cfg.API.Listen, err)
	}

	listener = netutil.LimitListener(listener, cfg.API.MaxConnections)

	log.Infof("Serving API on %s.", cfg.API.Listen)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Serve(listener)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return a.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return backendClient.Watch(gctx, hub)
	})

	g.Go(func() error {
		return service.Run(gctx)
	})

	if apps != nil {
		g.Go(func() error {
			return apps.Run(gctx)
		})
	}

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.Warnf("Could not notify systemd: %v", err)
	}

	log.Info("Started softwared.")

	// blocks until a signal arrives or a component fails
	err = g.Wait()

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		log.Warnf("Could not notify systemd: %v", err)
	}

	if err != nil {
		return errors.Errorf("Failed running softwared: %v", err)
	}

	log.Info("Stopping softwared...")

	// finish with no error
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := softwaredMain(); err != nil {
		log.WithError(err).Println("Failed running softwared.")
		os.Exit(1)
	}
}
