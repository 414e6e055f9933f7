package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"kvlog/internal/engine"
	"kvlog/internal/engine/bboltengine"
	"kvlog/internal/logger"
	"kvlog/internal/server"
)

// Exit codes, stable per release.
const (
	exitOK                = 0
	exitBindFailure       = 1
	exitDirFailure        = 2
	exitEngineMismatch    = 3
	exitInternal          = 4
	exitInvariantViolated = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:4000", "TCP address to listen on")
	dataDir := flag.String("data-dir", "./kvlog_data", "data directory")
	engineName := flag.String("engine", "native", "storage engine backend: native|alternative")
	fsync := flag.Bool("fsync", false, "fsync after every write instead of flushing buffers only")
	quiet := flag.Bool("quiet", false, "disable info logging (log only errors)")
	flag.Parse()

	logFile, err := os.OpenFile("kvlog.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return exitInternal
	}
	defer logFile.Close()

	logger.Setup(io.MultiWriter(os.Stdout, logFile))
	if *quiet {
		logger.SetLevel(logger.LevelError)
	} else {
		logger.SetLevel(logger.LevelInfo)
	}

	logger.Info("----------------------------------------")
	logger.Info("kvlog server initializing...")

	backend := engine.Backend(*engineName)
	if backend != engine.BackendNative && backend != engine.BackendAlternative {
		logger.Error("unknown --engine %q: must be native or alternative", *engineName)
		return exitEngineMismatch
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Error("failed to create data directory %s: %v", *dataDir, err)
		return exitDirFailure
	}

	if err := engine.CheckMarker(*dataDir, backend); err != nil {
		logger.Error("%v", err)
		return exitEngineMismatch
	}

	eng, err := openEngine(backend, *dataDir, *fsync)
	if err != nil {
		logger.Error("failed to init storage: %v", err)
		return exitInternal
	}
	defer eng.Close()

	if err := engine.WriteMarker(*dataDir, backend); err != nil {
		logger.Error("failed to persist engine marker: %v", err)
		return exitInternal
	}

	srv := server.New(*addr, eng)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("server started on %s (engine=%s). Press Ctrl+C to stop.", *addr, backend)

	select {
	case err := <-errCh:
		logger.Error("server error: %v", err)
		return exitBindFailure
	case err := <-srv.Fatal():
		logger.Error("engine invariant violation, terminating: %v", err)
		return exitInvariantViolated
	case <-sigChan:
		logger.Info("shutting down...")
		return exitOK
	}
}

func openEngine(backend engine.Backend, dataDir string, fsync bool) (engine.KVEngine, error) {
	switch backend {
	case engine.BackendNative:
		return engine.Open(dataDir, engine.Options{Fsync: fsync})
	case engine.BackendAlternative:
		return bboltengine.Open(dataDir)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", backend)
	}
}
