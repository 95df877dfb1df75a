package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	cfg "github.com/millidiumqc-del/kinggenhub/internal/config"
	_ "modernc.org/sqlite"
)

type App struct {
	DB           Store
	keys         *KeyService
	sessions     *SessionCodec
	identity     IdentityProvider
	suggestions  SuggestionSink
	rateLimiter  *RateLimiter
	cookieSecure bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db Store
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		} else {
			log.Println("Migrations applied successfully")
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	oracle := NewLinkvertiseOracle(c.LinkvertiseAPIToken, c.LinkvertiseLinkBase, "")
	app := &App{
		DB:       db,
		keys:     NewKeyService(db, oracle),
		sessions: NewSessionCodec(c.JwtSecret),
		identity: NewDiscordProvider(DiscordProviderOpts{
			ClientID:     c.DiscordClientID,
			ClientSecret: c.DiscordClientSecret,
			RedirectURI:  c.RedirectURI,
			BotToken:     c.DiscordBotToken,
			GuildID:      c.GuildID,
			PermRoleIDs:  c.PermRoleIDs,
			AdminRoleIDs: c.AdminRoleIDs,
		}),
		suggestions:  NewDiscordWebhook(c.SuggestionWebhookURL),
		rateLimiter:  NewRateLimiter(60),
		cookieSecure: c.CookieSecure,
	}

	r := newRouter(app)

	srv := &http.Server{Handler: r, Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		fmt.Println("Starting KeyHub server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}

func newRouter(app *App) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(app.Logging)
	r.Use(app.CORS)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := app.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// OAuth flow and key verification are reachable without a session
	api.HandleFunc("/auth/login", app.HandleLogin).Methods("GET")
	api.HandleFunc("/auth/callback", app.HandleCallback).Methods("GET")
	api.HandleFunc("/verify", app.HandleVerify).Methods("GET")

	// Session routes
	user := api.PathPrefix("/").Subrouter()
	user.Use(app.SessionAuth)
	user.Use(app.RateLimit)
	user.HandleFunc("/auth/logout", app.HandleLogout).Methods("POST")
	user.HandleFunc("/user/me", app.HandleMe).Methods("GET")
	user.HandleFunc("/key", app.HandleGetKey).Methods("GET")
	user.HandleFunc("/key/claim", app.HandleClaimKey).Methods("POST")
	user.HandleFunc("/key/reset", app.HandleResetKey).Methods("POST")
	user.HandleFunc("/suggestion", app.HandleSuggestion).Methods("POST")

	// Admin endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(app.SessionAuth)
	admin.Use(app.AdminOnly)
	admin.HandleFunc("/keys", app.HandleListKeys).Methods("GET")
	admin.HandleFunc("/keys/{value}", app.HandleDeleteKey).Methods("DELETE")

	return r
}
