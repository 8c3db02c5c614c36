// Command mailsyncd is the IMAP sync daemon: it loads every configured
// mail user, spawns one sync worker per user, and runs until a
// termination signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/daemon"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/emit"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/syncengine"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(dbPool)

	log.Printf("Successfully connected to database")

	if _, err := dbPool.Exec(ctx, db.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	repo := db.NewRepo(dbPool)
	bridge := pool.New(cfg.WorkerPoolSize)
	defer bridge.Close()

	metricsSink := buildMetricsSink(cfg)
	processUid := buildProcessUid(cfg)

	d := daemon.New(bridge, repo, metricsSink, cfg.StressTestMode)

	userIDs, err := db.ListUserIDs(ctx, dbPool)
	if err != nil {
		log.Fatalf("Failed to list users: %v", err)
	}

	for _, userID := range userIDs {
		user, err := db.LoadUser(ctx, dbPool, userID)
		if err != nil {
			log.Printf("Skipping user %s: failed to load: %v", userID, err)
			continue
		}

		authFunc, err := syncengine.BuildAuthenticator(user.Provider, encryptor)
		if err != nil {
			log.Printf("Skipping user %s: failed to build authenticator: %v", userID, err)
			continue
		}

		d.SpawnWorker(ctx, user, authFunc, processUid)
	}

	log.Printf("mailsyncd running with %d workers (environment: %s)", d.ActiveWorkerCount(), cfg.Environment)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	d.StopAll()
}

// buildMetricsSink returns a no-op sink in stress-test mode, matching the
// daemon's own contract of suppressing metrics there; otherwise it logs
// every observation through the standard log package.
func buildMetricsSink(cfg *config.Config) syncengine.Metrics {
	if cfg.StressTestMode {
		return metrics.Noop{}
	}
	return metrics.NewLogSink()
}

// buildProcessUid wires the default RabbitMQ event sink when an AMQP URL
// is configured; otherwise it logs and drops, so the daemon can still
// run (e.g. in development) without a broker.
func buildProcessUid(cfg *config.Config) syncengine.ProcessUidFunc {
	if cfg.AMQPURL == "" {
		log.Printf("MAILSYNC_AMQP_URL not set, newly synced messages will only be logged")
		return func(ctx context.Context, w *syncengine.Worker, uid uint32) error {
			log.Printf("user %s folder %s: new message uid %d (no downstream sink configured)", w.UserID(), w.Folder(), uid)
			return nil
		}
	}

	sink, err := emit.NewRabbitMQSink(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	return sink.ProcessUid
}
