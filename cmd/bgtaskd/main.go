package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bgtask/internal/app"
	"bgtask/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file loaded before the config")
	flag.DurationVar(&stopMax, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)
	lifecycle, release := lifecycleSignals()
	defer release()

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-stop:
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			} else {
				reason = app.StopSIGINT
			}
			break loop
		case ev := <-lifecycle:
			a.Lifecycle(ev)
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), stopMax)
	defer scancel()
	_ = a.Stop(sctx, reason)
	cancel()
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
		os.Exit(1)
	}
}
