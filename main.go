package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/oriole-im/oriole/cluster"
	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/db"
	"github.com/oriole-im/oriole/httpapi"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/presence"
	"github.com/oriole-im/oriole/privacy"
	"github.com/oriole-im/oriole/roster"
	"github.com/oriole-im/oriole/routing"
	"github.com/oriole-im/oriole/sasl"
	"github.com/oriole-im/oriole/session"
	"github.com/oriole-im/oriole/xmpp"
)

func main() {
	cfg := config.NewDefault()

	// Command-line flags override values from the config file when set.
	// Their defaults come from the initial cfg so -help stays consistent.
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stdout', 'stderr', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn' or 'error' (overrides config)")

	fDomain := flag.String("domain", cfg.Server.Domain, "XMPP domain served by this node (overrides config)")

	fDbHost := flag.String("dbhost", "localhost", "Database host (overrides config)")
	fDbPort := flag.String("dbport", "5432", "Database port (overrides config)")
	fDbUser := flag.String("dbuser", "postgres", "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", "", "Database password (overrides config)")
	fDbName := flag.String("dbname", "oriole_db", "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", false, "Enable TLS for database connection (overrides config)")

	fCluster := flag.Bool("cluster", cfg.Cluster.Enabled, "Join a cluster (overrides config)")
	fClusterNodeID := flag.String("clusternodeid", cfg.Cluster.NodeID, "Cluster node ID, defaults to hostname (overrides config)")
	fClusterBind := flag.String("clusterbind", cfg.Cluster.BindAddr, "Cluster bind address (overrides config)")
	fClusterPort := flag.Int("clusterport", cfg.Cluster.BindPort, "Cluster bind port (overrides config)")
	fClusterPeers := flag.String("clusterpeers", "", "Comma-separated cluster peers to join (overrides config)")

	fHTTPAPI := flag.Bool("httpapi", cfg.HTTPAPI.Enabled, "Start the HTTP admin API (overrides config)")
	fHTTPAPIAddr := flag.String("httpapiaddr", cfg.HTTPAPI.Addr, "HTTP admin API address (overrides config)")

	flag.Parse()

	// Values from the TOML file override application defaults; explicit
	// flags override both, applied after the file is loaded.
	if _, err := toml.DecodeFile(*configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") {
				log.Fatalf("Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	} else {
		log.Printf("Loaded configuration from %s", *configPath)
	}

	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("domain") {
		cfg.Server.Domain = *fDomain
	}

	if cfg.Database.Write == nil {
		cfg.Database.Write = &config.DatabaseEndpointConfig{}
	}
	if isFlagSet("dbhost") {
		cfg.Database.Write.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Write.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.Write.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Write.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Write.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.Write.TLSMode = *fDbTLS
	}

	if isFlagSet("cluster") {
		cfg.Cluster.Enabled = *fCluster
	}
	if isFlagSet("clusternodeid") {
		cfg.Cluster.NodeID = *fClusterNodeID
	}
	if isFlagSet("clusterbind") {
		cfg.Cluster.BindAddr = *fClusterBind
	}
	if isFlagSet("clusterport") {
		cfg.Cluster.BindPort = *fClusterPort
	}
	if isFlagSet("clusterpeers") {
		cfg.Cluster.Peers = strings.Split(*fClusterPeers, ",")
	}

	if isFlagSet("httpapi") {
		cfg.HTTPAPI.Enabled = *fHTTPAPI
	}
	if isFlagSet("httpapiaddr") {
		cfg.HTTPAPI.Addr = *fHTTPAPIAddr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFile, err := logger.Initialize(logger.Config{
		Output: cfg.Logging.Output,
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("oriole starting, domain %s", cfg.Server.Domain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("received signal %s, shutting down", sig)
		cancel()
	}()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to the database", "error", err)
	}
	defer database.Close()
	database.StartPoolMonitor(ctx, time.Minute)

	caches := cluster.Caches{
		ClientRoutes:     cluster.NewCache[cluster.ClientRoute](cluster.CacheClientRoutes),
		ComponentRoutes:  cluster.NewCache[cluster.NodeIDSet](cluster.CacheComponentRoutes),
		ServerRoutesOut:  cluster.NewCache[cluster.NodeID](cluster.CacheServerRoutesOut),
		ServerRoutesIn:   cluster.NewCache[cluster.NodeID](cluster.CacheServerRoutesIn),
		ComponentOrigins: cluster.NewCache[cluster.NodeID](cluster.CacheComponentOrigins),
		Multiplexers:     cluster.NewCache[cluster.NodeID](cluster.CacheMultiplexers),
		DirectedPresence: cluster.NewCache[[]cluster.DirectedPresence](cluster.CacheDirectedPresence),
	}

	localNode := cluster.NodeID(cfg.Server.Hostname)
	var clusterMgr *cluster.Manager
	if cfg.Cluster.Enabled {
		clusterMgr, err = cluster.New(cfg.Cluster)
		if err != nil {
			logger.Fatal("failed to join cluster", "error", err)
		}
		localNode = clusterMgr.LocalNodeID()
		cluster.AttachCache(clusterMgr, caches.ClientRoutes)
		cluster.AttachCache(clusterMgr, caches.ComponentRoutes)
		cluster.AttachCache(clusterMgr, caches.ServerRoutesOut)
		cluster.AttachCache(clusterMgr, caches.ServerRoutesIn)
		cluster.AttachCache(clusterMgr, caches.ComponentOrigins)
		cluster.AttachCache(clusterMgr, caches.Multiplexers)
		cluster.AttachCache(clusterMgr, caches.DirectedPresence)
	}

	sessions := session.NewManager()
	deliverer := &stanzaDeliverer{sessions: sessions}
	table := routing.NewTable(localNode, caches, deliverer)

	offlineStore := &dbOfflineStore{db: database}
	presenceCache, err := presence.NewCache(offlineStore, cfg.Presence.GetCacheSize())
	if err != nil {
		logger.Fatal("failed to initialize presence cache", "error", err)
	}
	directed := presence.NewDirectedRegistry(localNode, caches.DirectedPresence, table)
	presenceMgr := presence.NewManager(cfg, sessions, roster.NewMemoryManager(),
		privacy.NewManager(), table, presenceCache, directed)

	if clusterMgr != nil {
		cleaner := &remoteSessionCleaner{
			table:    table,
			presence: presenceMgr,
			caches:   caches,
		}
		listener := cluster.NewListener(clusterMgr, table, cleaner, presenceMgr, directed, caches)
		clusterMgr.OnMemberJoined(listener.MemberJoined)
		clusterMgr.OnMemberLeft(listener.MemberLeft)
		clusterMgr.OnSeniorChange(func(isSenior bool, senior cluster.NodeID) {
			if isSenior {
				logger.Infof("this node is now the senior cluster member")
			} else {
				logger.Infof("cluster senior member is %s", senior)
			}
		})
		listener.JoinCluster()
	}

	saslFactory := sasl.NewFactory(&cfg.SASL, &dbCredentialStore{db: database})
	logger.Infof("SASL mechanisms offered: %s", strings.Join(saslFactory.Mechanisms(false, false), " "))

	var registrations *db.RegistrationStore
	if cfg.Gateway.RegistrationSecret != "" {
		registrations = db.NewRegistrationStore(database, cfg.Gateway.RegistrationSecret)
	}

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Enabled {
		apiServer, err := httpapi.New(cfg.HTTPAPI, sessions, presenceMgr, clusterMgr, registrations)
		if err != nil {
			logger.Fatal("failed to initialize HTTP API server", "error", err)
		}
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errChan:
		logger.Error("server error", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	presenceMgr.ServerStopping(shutdownCtx)
	if clusterMgr != nil {
		if err := clusterMgr.Shutdown(); err != nil {
			logger.Warnf("error leaving cluster: %v", err)
		}
	}
	logger.Info("oriole stopped")
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// dbOfflineStore adapts the database layer to the presence cache's store
// contract.
type dbOfflineStore struct {
	db *db.Database
}

func (s *dbOfflineStore) LoadOfflineRecord(ctx context.Context, username string) (*presence.StoredRecord, error) {
	rec, err := s.db.LoadOfflineRecord(ctx, username)
	if err != nil {
		return nil, err
	}
	return &presence.StoredRecord{Presence: rec.Presence, LastActive: rec.LastActive}, nil
}

func (s *dbOfflineStore) StoreOfflineRecord(ctx context.Context, username string, presenceXML *string, lastActive time.Time) error {
	return s.db.StoreOfflineRecord(ctx, username, presenceXML, lastActive)
}

func (s *dbOfflineStore) DeleteOfflineRecord(ctx context.Context, username string) error {
	return s.db.DeleteOfflineRecord(ctx, username)
}

// dbCredentialStore adapts the users table to the SASL credential contract.
type dbCredentialStore struct {
	db *db.Database
}

func (s *dbCredentialStore) ScramCredentials(username string) (*sasl.ScramCredentials, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	creds, err := s.db.GetUserCredentials(ctx, username)
	if err != nil {
		return nil, err
	}
	return &sasl.ScramCredentials{
		Salt:       creds.ScramSalt,
		Iterations: creds.ScramIterations,
		StoredKey:  creds.ScramStoredKey,
		ServerKey:  creds.ScramServerKey,
	}, nil
}

func (s *dbCredentialStore) VerifyPassword(username, password string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.VerifyUserPassword(ctx, username, password)
}

func (s *dbCredentialStore) Authorize(authzID, authcID string) bool {
	return authzID == authcID
}

// remoteSessionCleaner tears down state owned by departed cluster nodes.
type remoteSessionCleaner struct {
	table    *routing.Table
	presence *presence.Manager
	caches   cluster.Caches
}

func (c *remoteSessionCleaner) TerminateRemoteSession(jid string, anonymous bool) {
	addr, err := xmpp.ParseJID(jid)
	if err != nil {
		logger.Warnf("cannot terminate remote session with malformed JID %q: %v", jid, err)
		return
	}
	c.table.RemoveClientRoute(addr)
	if !anonymous {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.presence.RemoteSessionLost(ctx, addr)
	}
}

func (c *remoteSessionCleaner) RemoveComponentSession(jid string) {
	c.caches.ComponentOrigins.Remove(jid)
}

func (c *remoteSessionCleaner) RemoveMultiplexerSession(jid string) {
	c.caches.Multiplexers.Remove(jid)
}

// stanzaDeliverer hands resolved stanzas to their transport. The c2s, s2s
// and component transports live outside this process boundary, so remote
// targets are logged and dropped here.
type stanzaDeliverer struct {
	sessions *session.Manager
}

func (d *stanzaDeliverer) DeliverLocal(p *xmpp.Presence) error {
	target := d.sessions.GetSession(p.To)
	if target == nil {
		logger.Debug("no local session for stanza", "to", p.To.String())
		return nil
	}
	logger.Debug("delivered stanza to local session", "to", p.To.String(), "type", string(p.Type))
	return nil
}

func (d *stanzaDeliverer) DeliverToComponent(domain string, p *xmpp.Presence) error {
	logger.Debug("delivered stanza to component", "domain", domain, "to", p.To.String())
	return nil
}

func (d *stanzaDeliverer) DeliverToServer(domain string, p *xmpp.Presence) error {
	logger.Debug("queued stanza for remote server", "domain", domain, "to", p.To.String())
	return nil
}

func (d *stanzaDeliverer) ForwardToNode(node cluster.NodeID, p *xmpp.Presence) error {
	logger.Debug("forwarded stanza to cluster node", "node", node.String(), "to", p.To.String())
	return nil
}
