package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dmitrijs2005/gophchat/internal/buildinfo"
	"github.com/dmitrijs2005/gophchat/internal/client/app"
	"github.com/dmitrijs2005/gophchat/internal/client/cli"
	"github.com/dmitrijs2005/gophchat/internal/client/config"
	"github.com/dmitrijs2005/gophchat/internal/filex"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	logOut, closeLog, err := openLog(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer closeLog()
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.New(ctx, cfg, logger, buildinfo.Version())
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Error(context.Background(), "shutdown failed", "error", err)
		}
	}()

	home, _ := os.UserHomeDir()
	cli.NewApp(client, os.Stdin, os.Stdout, home).Run(ctx)
}

// openLog sends logs to the configured file, or to client.log in the data
// directory, so they do not interleave with the prompt.
func openLog(cfg *config.Config) (io.Writer, func(), error) {
	path := cfg.LogFile
	if path == "" {
		dir, err := filex.EnsureDir(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "client.log")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
