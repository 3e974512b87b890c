package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/syncengine"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const defaultPort = "8080"

func newServeCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Pub/Sub push endpoint and the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := config.GetLogger()
			engine, db, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer closeDB(db)

			if !config.EnvBool("SKIP_MIGRATIONS", false) {
				if err := models.MigrateTable(db); err != nil {
					return err
				}
			} else {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
			}

			srv := &http.Server{
				Addr:    ":" + resolvePort(port),
				Handler: newRouter(db, engine, logger),
			}
			serverErrCh := make(chan error, 1)
			go func() {
				serverErrCh <- srv.ListenAndServe()
			}()
			logger.WithFields(logrus.Fields{"field": "server", "addr": srv.Addr}).Info("order-sync listening")

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-serverErrCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default $ORDER_SYNC_PORT, $PORT or 8080)")
	return cmd
}

func resolvePort(flag string) string {
	for _, p := range []string{flag, os.Getenv("ORDER_SYNC_PORT"), os.Getenv("PORT")} {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return defaultPort
}

func newRouter(db *gorm.DB, engine syncengine.CycleRunner, logger *logrus.Logger) *gin.Engine {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", syncengine.HealthHandler(db))
	r.GET("/api/sync/status", syncengine.StatusHandler(db))
	r.POST("/pubsub/order-sync", syncengine.PubSubPushHandler(engine))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
