package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-identity-server/internal/config"
	"github.com/jrsteele09/go-identity-server/internal/logging"
)

var rotateKey = flag.Bool("rotate-key", false, "rotate the signing key and exit")

func main() {
	flag.Parse()
	// a missing .env is normal outside development
	_ = godotenv.Load()

	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.Load(os.Getenv(config.ConfigFileVar))
	if err != nil {
		return err
	}
	logger := logging.New(c.GetEnv(), c.GetLogLevel(), c.GetAppName(), os.Stdout)
	logging.SetGlobal(logger)
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := build(ctx, c, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if *rotateKey {
		return app.rotate(ctx)
	}

	go app.maintain(ctx)

	server := &http.Server{
		Addr:              c.GetPort(),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(server)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-waitForStopSignal():
	}
	returnError = shutdown(server)
	return returnError
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
