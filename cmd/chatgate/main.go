package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatgate-io/chatgate/config"
	"github.com/chatgate-io/chatgate/internal/adminapi"
	"github.com/chatgate-io/chatgate/internal/app"
	"github.com/chatgate-io/chatgate/internal/deviceapi"
	"github.com/chatgate-io/chatgate/internal/webserver"
)

var (
	BuildVersion = "dev"

	cfile    = flag.String("c", "chatgate.yml", "config file path")
	showVer  = flag.Bool("v", false, "print version and exit")
	initDB   = flag.Bool("initdb", false, "initialize database tables and exit")
	dropTabs = flag.Bool("dropall", false, "drop all tables before initializing, use with -initdb")
)

func printVersion() {
	fmt.Printf("chatgate %s\n", BuildVersion)
}

func main() {
	flag.Parse()
	if *showVer {
		printVersion()
		return
	}

	cfg := config.LoadConfig(*cfile)

	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initDB {
		if *dropTabs {
			application.DropAll()
		}
		application.InitDb()
		application.Release()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.StartBackgroundJobs(ctx)

	webserver.Init(application)
	adminapi.InitRouter()
	deviceapi.InitRouter()

	go func() {
		if err := webserver.Start(); err != nil {
			zap.S().Errorf("web server stopped: %s", err.Error())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.S().Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webserver.Echo().Shutdown(shutdownCtx); err != nil {
		zap.S().Errorf("web server shutdown: %s", err.Error())
	}
	application.Release()
}
