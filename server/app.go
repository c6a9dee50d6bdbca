package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"kioskadmin/config"
	"kioskadmin/internal/accounts"
	"kioskadmin/internal/agent"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/changelog"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/db"
	"kioskadmin/internal/groups"
	"kioskadmin/internal/health"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/middleware"
	"kioskadmin/internal/pcs"
	"kioskadmin/internal/repo"
	"kioskadmin/internal/security"
	"kioskadmin/internal/sites"
	"kioskadmin/internal/wakeplans"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db      *gorm.DB
	revoker auth.Revoker
	ctx     context.Context
	cancel  context.CancelFunc
}

// OpenDB connects and, when configured, migrates the schema.
func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})

	d, err := OpenDB(cfg)
	if err != nil {
		return err
	}
	a.db = d

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logs.Logger.Warn("auth.jwt_secret is empty, tokens will not survive a restart")
	}
	tokens := auth.NewTokenManager(secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)

	if cfg.Redis.Addr != "" {
		rr, err := auth.NewRedisRevoker(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.revoker = rr
	} else {
		a.revoker = auth.NewMemoryRevoker()
	}

	clk := clock.System{}
	jobSvc := jobs.NewService(d, clk)
	planSvc := wakeplans.NewService(d, jobSvc, clk, wakeplans.Options{
		Conjunction:     cfg.WakePlan.Conjunction,
		PlanConjunction: cfg.WakePlan.PlanConjunction,
		CopyPrefix:      cfg.WakePlan.CopyPrefix,
	})
	groupSvc := groups.NewService(d, jobSvc, clk, planSvc.Resolver())
	pcSvc := pcs.NewService(d, jobSvc, clk, planSvc.Resolver())

	var mailer security.Mailer
	if m := cfg.Mail; m.Enabled() {
		mailer = security.SMTPMailer{Host: m.Host, Port: m.Port, Username: m.Username, Password: m.Password, From: m.From}
	} else {
		logs.Logger.Info("mail.host is empty, security alerts are not mailed")
	}
	var notifier *security.Notifier
	if mailer != nil {
		notifier = security.NewNotifier(d, mailer)
	}
	secSvc := security.NewService(d, notifier, clk)
	accountSvc := accounts.NewService(d, tokens, a.revoker)

	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, d)
	accountHTTP := accounts.NewHTTP(accountSvc)
	accountHTTP.RegisterPublicRoutes(a.Router)
	agent.NewController(cfg.Agent.SharedSecret, repo.NewPCStore(d), secSvc, clk).RegisterRoutes(a.Router)

	// routes below need a bearer token; the public ones above match first
	protected := a.Router.NewRoute().Subrouter()
	protected.Use(middleware.Authenticate(tokens, a.revoker, accountSvc))
	accountHTTP.RegisterRoutes(protected)
	sites.NewHTTP(sites.NewService(d)).RegisterRoutes(protected)
	wakeplans.NewHTTP(planSvc, d).RegisterRoutes(protected)
	groups.NewHTTP(groupSvc, d).RegisterRoutes(protected)
	pcs.NewHTTP(pcSvc, d).RegisterRoutes(protected)
	jobs.NewHTTP(jobSvc, d).RegisterRoutes(protected)
	security.NewHTTP(secSvc, d).RegisterRoutes(protected)
	changelog.NewHTTP(changelog.NewService(d, clk)).RegisterRoutes(protected)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	defer a.close()
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer a.cancel()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-a.ctx.Done():
	}
	logs.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

func (a *App) close() {
	if c, ok := a.revoker.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
