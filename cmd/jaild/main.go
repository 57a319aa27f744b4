package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crystal-mush/gojails/pkg/api"
	"github.com/crystal-mush/gojails/pkg/archive"
	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jail"
	"github.com/crystal-mush/gojails/pkg/jailconf"
	"github.com/crystal-mush/gojails/pkg/metrics"
	"github.com/crystal-mush/gojails/pkg/natsbridge"
	"github.com/crystal-mush/gojails/pkg/storage"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("JAIL_CONF", ""), "Path to jaild config file (env: JAIL_CONF)")
	backend := flag.String("backend", envDefault("JAIL_BACKEND", ""), "Storage backend: file, sql or bolt, overrides config (env: JAIL_BACKEND)")
	dataDir := flag.String("data", envDefault("JAIL_DATA", ""), "Directory for the file backend (env: JAIL_DATA)")
	sqlDBPath := flag.String("sqldb", envDefault("JAIL_SQLDB", ""), "Path to SQLite database file (env: JAIL_SQLDB)")
	boltPath := flag.String("bolt", envDefault("JAIL_BOLT", ""), "Path to bbolt database file (env: JAIL_BOLT)")
	listen := flag.String("listen", envDefault("JAIL_LISTEN", ""), "API listen address, overrides config (env: JAIL_LISTEN)")
	natsURL := flag.String("nats", envDefault("JAIL_NATS", ""), "NATS server URL for event publishing, overrides config (env: JAIL_NATS)")
	importFrom := flag.String("import", envDefault("JAIL_IMPORT", ""), "Copy records from another backend before boot, as kind:path (env: JAIL_IMPORT)")
	restoreArchive := flag.String("restore", envDefault("JAIL_RESTORE", ""), "Restore from archive before boot (env: JAIL_RESTORE)")
	tokenFor := flag.String("token", "", "Print an API token for the named operator and exit")
	hashPass := flag.String("hash-password", "", "Print the bcrypt hash of a password for api.operators and exit")
	flag.Parse()

	log.Printf("Welcome to gojails %s", api.Version)

	if *hashPass != "" {
		hash, err := api.HashPassword(*hashPass)
		if err != nil {
			log.Fatalf("Error hashing password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// Load config if specified, otherwise use defaults
	cfg := jailconf.DefaultConfig()
	if *confFile != "" {
		var err error
		cfg, err = jailconf.Load(*confFile)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Printf("Loaded config from %s", *confFile)
	}

	// Command-line flags override config file values
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if *sqlDBPath != "" {
		cfg.Storage.SQLPath = *sqlDBPath
	}
	if *boltPath != "" {
		cfg.Storage.BoltPath = *boltPath
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if v := os.Getenv("JAIL_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *tokenFor != "" {
		if cfg.API.JWTSecret == "" {
			fmt.Fprintln(os.Stderr, "api.jwt_secret (or JAIL_JWT_SECRET) must be set to issue tokens that outlive this process")
			fmt.Fprintf(os.Stderr, "A fresh secret: %s\n", api.GenerateJWTSecret())
			os.Exit(1)
		}
		token, err := api.NewAuthService(cfg.API.JWTSecret, cfg.API.JWTExpiry).Issue(*tokenFor)
		if err != nil {
			log.Fatalf("Error issuing token: %v", err)
		}
		fmt.Println(token)
		return
	}

	storeCfg := cfg.StorageConfig()

	// Pre-boot restore from archive
	if *restoreArchive != "" {
		log.Printf("Restoring from archive: %s", *restoreArchive)
		result, err := archive.RestoreArchive(archive.RestoreParams{
			ArchivePath: *restoreArchive,
			Storage:     storeCfg,
			ConfDest:    *confFile,
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
		})
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Printf("Restore complete: %d files restored", result.FilesRestored)
		for _, w := range result.Warnings {
			log.Printf("Restore warning: %s", w)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storeCfg)
	if err != nil {
		log.Fatalf("Error opening storage: %v", err)
	}
	defer store.Close()

	if *importFrom != "" {
		if err := importRecords(ctx, store, *importFrom, storeCfg); err != nil {
			log.Fatalf("Import failed: %v", err)
		}
	}

	bus := events.NewBus()
	reg, err := jail.Open(ctx, store, jail.Options{
		Sink:                  events.Tee(bus, events.LogSink{}),
		Retry:                 cfg.RetryOptions(),
		ReplaceReturnOnRejail: !cfg.RejailKeepReturn,
		BackupLocation:        cfg.BackupLocation.Location(),
	})
	if err != nil {
		log.Fatalf("Error loading jail state: %v", err)
	}
	st := reg.Stats()
	log.Printf("Jail state loaded: %d cells, %d confinements (%d indefinite, %d without a cell)",
		st.Cells, st.Confinements, st.Indefinite, st.Unresolved)

	m := metrics.New(reg, time.Now())
	bus.SubscribeGlobal(m)

	if cfg.NATS.URL != "" {
		bridge, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Printf("WARNING: %v (events will not be published)", err)
		} else {
			bus.SubscribeGlobal(bridge)
			defer bridge.Close()
		}
	}

	arch := &archiver{
		reg:      reg,
		store:    store,
		backend:  storeCfg.Backend,
		confPath: cfg.Path,
		changed:  make(chan struct{}, 1),
	}
	arch.apply(cfg.Archive)

	go arch.run(ctx)

	var srv *api.Server
	if cfg.API.Listen != "" {
		srv = api.New(api.Config{
			Listen:      cfg.API.Listen,
			CORSOrigins: cfg.API.CORSOrigins,
			RateLimit:   cfg.API.RateLimit,
			JWTSecret:   cfg.API.JWTSecret,
			JWTExpiry:   cfg.API.JWTExpiry,
			Operators:   cfg.API.Operators,
			TLS: api.TLSConfig{
				Enabled:  cfg.API.TLS,
				Domain:   cfg.API.TLSDomain,
				CertFile: cfg.API.TLSCert,
				KeyFile:  cfg.API.TLSKey,
				CertDir:  cfg.API.CertDir,
			},
		}, reg, bus, m.Handler())
		if cfg.API.JWTSecret == "" {
			log.Printf("WARNING: api.jwt_secret not set, tokens are valid only until restart")
		}
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("API server error: %v", err)
				stop()
			}
		}()
	} else {
		log.Printf("API disabled by config")
	}

	if cfg.Path != "" {
		go func() {
			err := jailconf.Watch(ctx, cfg.Path, func(next *jailconf.Config) {
				o := next.RetryOptions()
				reg.SetRetryPolicy(o.InitialInterval, o.MaxInterval, o.Multiplier, o.AlertAfter)
				reg.SetBackupLocation(next.BackupLocation.Location())
				arch.apply(next.Archive)
				if srv != nil {
					srv.SetOperators(next.API.Operators)
				}
				log.Printf("Config reloaded from %s (storage and listener changes need a restart)", next.Path)
			})
			if err != nil {
				log.Printf("WARNING: config watcher stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Printf("WARNING: API shutdown: %v", err)
		}
	}
	if err := reg.Close(); err != nil && !errors.Is(err, jail.ErrClosed) {
		log.Printf("WARNING: closing registry: %v", err)
	}
	log.Printf("Shutdown complete")
}

// importRecords copies every record from the backend named by source
// (kind:path) into dst.
func importRecords(ctx context.Context, dst storage.Backend, source string, current storage.Config) error {
	kindStr, path, ok := strings.Cut(source, ":")
	if !ok || path == "" {
		return fmt.Errorf("-import wants kind:path, got %q", source)
	}
	kind, err := storage.ParseKind(kindStr)
	if err != nil {
		return err
	}
	srcCfg := storage.Config{Backend: kind, SQL: current.SQL, Bolt: current.Bolt}
	switch kind {
	case storage.KindFile:
		srcCfg.File.Dir = path
	case storage.KindSQL:
		srcCfg.SQL.Path = path
	case storage.KindBolt:
		srcCfg.Bolt.Path = path
	}
	if kind == current.Backend && path == backendPath(current) {
		return fmt.Errorf("-import source is the configured backend")
	}
	src, err := storage.Open(ctx, srcCfg)
	if err != nil {
		return err
	}
	defer src.Close()
	log.Printf("Importing %s backend at %s...", kind, path)
	stats, err := storage.Copy(ctx, dst, src)
	if err != nil {
		return err
	}
	log.Printf("Import complete: %d cells, %d confinements, %d corrupt records skipped",
		stats.Cells, stats.Confinements, stats.Skipped)
	return nil
}

func backendPath(cfg storage.Config) string {
	switch cfg.Backend {
	case storage.KindSQL:
		return cfg.SQL.Path
	case storage.KindBolt:
		return cfg.Bolt.Path
	default:
		return cfg.File.Dir
	}
}

// archiver writes periodic archives. Its settings can change at runtime.
type archiver struct {
	reg      *jail.Registry
	store    storage.Backend
	backend  storage.Kind
	confPath string

	mu      sync.Mutex
	conf    jailconf.ArchiveConf
	changed chan struct{}
}

func (a *archiver) apply(conf jailconf.ArchiveConf) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conf.Interval != a.conf.Interval {
		if conf.Interval > 0 {
			log.Printf("Auto-archive enabled: every %s, retain %d, dir %s", conf.Interval, conf.Retain, conf.Dir)
		} else if a.conf.Interval > 0 {
			log.Printf("Auto-archive disabled")
		}
	}
	a.conf = conf
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

func (a *archiver) settings() jailconf.ArchiveConf {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conf
}

func (a *archiver) run(ctx context.Context) {
	for {
		conf := a.settings()
		var tick <-chan time.Time
		var ticker *time.Ticker
		if conf.Interval > 0 {
			ticker = time.NewTicker(conf.Interval)
			tick = ticker.C
		}
		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			return
		case <-a.changed:
		case <-tick:
			a.archiveOnce(ctx, conf)
		}
		if ticker != nil {
			ticker.Stop()
		}
	}
}

func (a *archiver) archiveOnce(ctx context.Context, conf jailconf.ArchiveConf) {
	snap, ok := a.store.(storage.Snapshotter)
	if !ok {
		log.Printf("WARNING: auto-archive: %s backend cannot snapshot", a.backend)
		return
	}
	st := a.reg.Stats()
	path, err := archive.CreateArchive(ctx, archive.Params{
		Source:       snap,
		Backend:      a.backend,
		ConfPath:     a.confPath,
		ArchiveDir:   conf.Dir,
		Cells:        st.Cells,
		Confinements: st.Confinements,
	})
	if err != nil {
		log.Printf("WARNING: auto-archive failed: %v", err)
		return
	}
	log.Printf("Archive written: %s", path)
	if conf.Retain > 0 {
		removed, err := archive.Prune(conf.Dir, conf.Retain)
		if err != nil {
			log.Printf("WARNING: archive prune: %v", err)
		}
		for _, p := range removed {
			log.Printf("Archive pruned: %s", p)
		}
	}
}
