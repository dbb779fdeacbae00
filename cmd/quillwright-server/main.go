// Command quillwright-server runs the OT document server with its minimal
// operational HTTP surface: a health check and a debug listing of
// currently cached documents. It is not a collaborative editing frontend;
// actual operation submission is expected to arrive over whatever
// transport embeds this package (a websocket gateway, an RPC service),
// wired separately.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/coreseekdev/quillwright/internal/config"
	"github.com/coreseekdev/quillwright/pkg/docserver"
	"github.com/coreseekdev/quillwright/pkg/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal("loading configuration", zap.Error(err))
	}

	adapter, err := buildAdapter(cfg, log)
	if err != nil {
		log.Fatal("building persistence adapter", zap.Error(err))
	}

	srv := docserver.New(cfg, adapter, log)

	mux := http.NewServeMux()
	registerRoutes(mux, srv)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.SaveAll(ctx); err != nil {
			log.Warn("save-all during shutdown reported a failure", zap.Error(err))
		}
		srv.Stop()
		_ = httpServer.Shutdown(ctx)
	}()

	log.Info("quillwright-server listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

// buildAdapter wires a relational store (Postgres if PostgresDSN is set,
// otherwise an in-memory relational store) and a blob
// store (S3 if S3Bucket is set, otherwise in-memory) into an Adapter.
func buildAdapter(cfg config.Config, log *zap.Logger) (*store.Adapter, error) {
	var rel store.Relational
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(db); err != nil {
			return nil, err
		}
		rel = store.NewPostgres(db, func(err error) {
			log.Warn("relational store entered degraded mode", zap.Error(err))
		})
	} else {
		log.Warn("no QUILLWRIGHT_POSTGRES_DSN set; running with an in-memory relational store")
		rel = store.NewMemoryRelational()
	}

	var blob store.Blob
	if cfg.S3Bucket != "" {
		b, err := store.NewS3Blob(cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		blob = b
	} else {
		log.Warn("no QUILLWRIGHT_S3_BUCKET set; running with an in-memory blob store")
		blob = store.NewMemoryBlob()
	}

	return store.New(rel, blob), nil
}

func registerRoutes(mux *http.ServeMux, srv *docserver.Server) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/debug/documents", func(w http.ResponseWriter, r *http.Request) {
		ids := srv.ListDocumentIds()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"documents": ids,
			"count":     len(ids),
		})
	})
}
