package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards"
	"github.com/alovak/cardledger/internal/middleware"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))

	app := cards.NewApp(logger, cards.ConfigFromEnv())
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		app.Shutdown()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	app.Shutdown()
}

// mintToken prints a bearer token for local testing:
//
//	cardledger token -sub user-1 -role USER -ttl 1h
func mintToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "owner id (token subject)")
	role := fs.String("role", string(middleware.RoleUser), "USER|ADMIN|INTEGRATION")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("-sub is required")
	}

	secret := cards.ConfigFromEnv().JWTSecret
	token, err := middleware.NewToken([]byte(secret), middleware.Identity{
		OwnerID: *sub,
		Role:    middleware.Role(strings.ToUpper(*role)),
	}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
