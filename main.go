package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mmb-raid/sportiduino/config"
	"github.com/mmb-raid/sportiduino/handlers"
	applog "github.com/mmb-raid/sportiduino/logger"
	"github.com/mmb-raid/sportiduino/session"
	"github.com/mmb-raid/sportiduino/station"
	"github.com/mmb-raid/sportiduino/store"
	"github.com/mmb-raid/sportiduino/task"
)

func main() {
	cfg := config.Load()
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	sess := session.New(gw, logger)
	if err := sess.Restore(ctx); err != nil {
		logger.Fatal("restore session failed", zap.Error(err))
	}
	defer sess.Close()
	connectStation(ctx, cfg, sess, logger)

	tasks := task.NewRunner(logger)
	h := handlers.New(sess, tasks, gw, cfg.JWTKey(), cfg.InitChipsPoint)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.Int("status", v.Status),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			switch {
			case v.Status >= 500:
				logger.Error("http request", fields...)
			case v.Status >= 400:
				logger.Warn("http request", fields...)
			default:
				logger.Info("http request", fields...)
			}
			return nil
		},
	}))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"*", "Authorization"},
		AllowCredentials: true,
	}))
	h.Register(e)

	// The sync loop outlives ctx so its final save runs after in-flight
	// station tasks have recorded their events.
	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		sess.SyncLoop(syncCtx, cfg.SyncInterval)
	}()

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      e,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	if !cfg.Debug && len(cfg.TLSDomains) > 0 {
		autoTLS := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(".cache"),
			HostPolicy: autocert.HostWhitelist(cfg.TLSDomains...),
		}
		srv.Addr = ":443"
		srv.TLSConfig = autoTLS.TLSConfig()
	}

	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.Bool("tls", srv.TLSConfig != nil),
			zap.String("session", sess.ID()),
		)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	drain(shutdownCtx, srv, tasks, stopSync, syncDone, logger)
}

// drain stops the server, waits for station tasks and then ends the sync
// loop, whose final save covers every event the tasks recorded.
func drain(ctx context.Context, srv *http.Server, tasks *task.Runner, stopSync context.CancelFunc, syncDone <-chan struct{}, logger *zap.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	tasks.Wait()
	stopSync()
	<-syncDone
}

// stationDialWait bounds the retries when the bridge is not up yet.
const stationDialWait = 30 * time.Second

// connectStation dials the configured station bridge. A failure is logged
// and the service runs without a station.
func connectStation(ctx context.Context, cfg *config.Config, sess *session.Session, logger *zap.Logger) {
	if cfg.StationAddr == "" {
		logger.Info("no station configured")
		return
	}
	mac, err := station.ParseMAC(cfg.StationMAC)
	if err != nil {
		logger.Fatal("invalid STATION_MAC", zap.Error(err))
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = stationDialWait
	var st *station.Station
	err = backoff.RetryNotify(func() error {
		var err error
		st, err = station.Dial(ctx, cfg.StationAddr, mac, cfg.StationTimeout)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Debug("station dial failed", zap.Error(err), zap.Duration("retryIn", next))
	})
	if err != nil {
		logger.Warn("station not reachable", zap.String("addr", cfg.StationAddr), zap.Error(err))
		return
	}
	sess.SetStation(st)
	logger.Info("station connected",
		zap.String("addr", cfg.StationAddr),
		zap.Int("number", st.Number()),
		zap.Int("mode", st.Mode()),
		zap.Int64("drift", st.Drift()),
	)
}
