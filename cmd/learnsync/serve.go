package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/learnhub/learnsync"
	"github.com/learnhub/learnsync/internal/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	wsPath     = "/__learnsync/ws"
	statusPath = "/__learnsync/status"
)

func init() {
	serveCmd.Flags().String("listen", "", "address to serve on")
	serveCmd.Flags().String("origin", "", "upstream web app URL")
	bindFlag("worker.listen", serveCmd.Flags().Lookup("listen"))
	bindFlag("worker.origin", serveCmd.Flags().Lookup("origin"))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache policy worker as a local proxy",
	Long: "Serve the web app through the cache policy worker. Requests are answered\n" +
		"network-first while online and from the offline cache otherwise. Worker\n" +
		"messages are accepted on " + messagesPath + " and over the websocket hub at " + wsPath + ".",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	cfg, _, err := resolveConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return err
	}

	cache, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	hub := learnsync.NewHub(nil, log)
	worker := learnsync.NewCachePolicyWorker(learnsync.WorkerConfig{
		Origin:      cfg.Worker.Origin,
		Locales:     cfg.Worker.Locales,
		Concurrency: cfg.Worker.Concurrency,
	}, cache, hub, log)
	hub.SetWorker(worker)

	a, err := newApp(ctx, worker)
	if err != nil {
		return err
	}
	defer a.close()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err)
		}
	}()
	if err := worker.Install(ctx); err != nil {
		log.Warn("precache incomplete", "error", err)
	}
	a.monitor.OnChange(func(s learnsync.NetworkStatus) {
		log.Info("network status", "online", s.Online, "pending", s.Pending, "syncing", s.Syncing)
	})
	a.monitor.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Worker.Listen,
		Handler:           newRouter(worker, hub, a.monitor),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "listen", cfg.Worker.Listen, "origin", cfg.Worker.Origin, "cache", cfg.Cache.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openCache(ctx context.Context, cfg ConfigCache) (learnsync.CacheStore, func(), error) {
	if cfg.Driver != "redis" {
		return learnsync.NewMemoryCache(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return learnsync.NewRedisCache(rdb, ""), func() { _ = rdb.Close() }, nil
}

// statusSource is the part of the monitor the status endpoint reads.
type statusSource interface {
	Status() learnsync.NetworkStatus
}

// newRouter mounts the worker's control endpoints and hands every other
// request to the worker.
func newRouter(worker learnsync.MessagePoster, hub http.Handler, status statusSource) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST(messagesPath, func(c *gin.Context) {
		data, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, err := learnsync.DecodeMessage(data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reply, err := worker.Post(c.Request.Context(), msg)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if reply == nil {
			c.Status(http.StatusNoContent)
			return
		}
		out, err := learnsync.EncodeMessage(reply)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", out)
	})
	if hub != nil {
		r.GET(wsPath, gin.WrapH(hub))
	}
	if status != nil {
		r.GET(statusPath, func(c *gin.Context) {
			c.JSON(http.StatusOK, status.Status())
		})
	}
	if h, ok := worker.(http.Handler); ok {
		r.NoRoute(gin.WrapH(h))
	}
	return r
}
