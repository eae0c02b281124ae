package cards

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/internal/audit"
	"github.com/alovak/cardledger/internal/expiry"
	"github.com/alovak/cardledger/internal/middleware"
)

// App is the main application, it contains all the components of the card
// ledger and is responsible for starting and stopping them.
type App struct {
	srv     *http.Server
	wg      *sync.WaitGroup
	Addr    string
	logger  *slog.Logger
	config  *Config
	db      *sql.DB
	sweeper *Sweeper
	closers []func() error
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "cardledger"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	// Wire expiry configuration from app config
	if a.config.ExpiryTZ != "" {
		if loc, err := time.LoadLocation(a.config.ExpiryTZ); err == nil {
			expiry.SetDefaultExpiryLocation(loc)
		} else {
			a.logger.Info("invalid ExpiryTZ; using default UTC", slog.String("tz", a.config.ExpiryTZ), slog.Any("err", err))
		}
	}
	if len(a.config.ProductYears) > 0 {
		expiry.SetProductYears(a.config.ProductYears)
	}

	repository, err := a.openRepository()
	if err != nil {
		return err
	}
	sink, err := a.openAuditSink()
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(sink, a.logger)
	recorder.SetRetry(a.config.AuditAttempts, a.config.AuditTimeout)

	svc := NewService(repository, recorder, a.config, a.logger)
	ledger := NewLedger(repository, recorder, a.logger)
	ledger.SetPageSizes(a.config.DefaultPageSize, a.config.MaxPageSize)

	a.sweeper = NewSweeper(repository, recorder, a.config.SweepSchedule, a.logger)
	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)
	if len(a.config.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	api := NewAPI(svc, ledger, a.sweeper, []byte(a.config.JWTSecret), a.logger)
	api.AppendRoutes(router)

	// Health endpoints
	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// openRepository chooses the backend: pg by default for runtime; mem only
// when explicitly enabled for tests.
func (a *App) openRepository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "pg":
		if a.config.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)

		repository := NewPGRepository(db, []byte(a.config.PANHashKey))
		repository.SetStatementTimeout(a.config.StatementTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repository.Migrate(ctx); err != nil {
			return nil, err
		}
		return repository, nil
	case "mem":
		if !a.config.AllowMemBackend {
			return nil, fmt.Errorf("mem repository is disabled at runtime; set ALLOW_MEM_BACKEND_FOR_TESTS=true only in tests")
		}
		return NewRepository([]byte(a.config.PANHashKey)), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

func (a *App) openAuditSink() (audit.Sink, error) {
	switch a.config.AuditBackend {
	case "pg":
		if a.db == nil {
			return nil, fmt.Errorf("AUDIT_BACKEND=pg requires REPO_BACKEND=pg")
		}
		sink := audit.NewPG(a.db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Migrate(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	case "sqlite":
		sink, err := audit.OpenSQLite(a.config.AuditSQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	case "mem":
		return audit.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported AUDIT_BACKEND=%s", a.config.AuditBackend)
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	a.wg.Wait()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("closing resource", "err", err)
		}
	}

	a.logger.Info("app stopped")
}
