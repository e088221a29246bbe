// Command watcher runs the fraud-proof watcher: it loads configuration
// from the environment, wires up a supervisor over every configured Home,
// and runs until terminated.
package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nomad-xyz/watcher/internal/config"
	"github.com/nomad-xyz/watcher/internal/reporter"
	"github.com/nomad-xyz/watcher/internal/supervisor"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", "./data", "directory the index store databases are created under")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	logger := log.New(os.Stdout, "[watcher] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		emitConfigError(logger, err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg, logger, *dataDir)

	if cfg.SignerKeyRef != "" {
		key, err := resolveSigningKey(cfg.SignerKeyRef)
		if err != nil {
			emitConfigError(logger, err)
			os.Exit(1)
		}
		sup.SetSigningKey(key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Println("shutdown signal received, cancelling supervisor")
		cancel()
	}()

	if err := sup.Start(ctx); err != nil {
		logger.Fatalf("starting supervisor: %v", err)
	}

	go drainReports(sup.Reports(), logger)

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("supervisor exited: %v", err)
	}
}

// drainReports logs every outcome document the supervisor produces as it
// runs. cmd/watcher is a thin wrapper; a richer deployment would instead
// publish these to the operator's alerting surface.
func drainReports(reports <-chan reporter.Output, logger *log.Logger) {
	for r := range reports {
		b, err := json.Marshal(r)
		if err != nil {
			logger.Printf("marshaling report: %v", err)
			continue
		}
		logger.Printf("disconnection report: %s", b)
	}
}

// emitConfigError logs the pre-flight ConfigError document in §6's
// short-circuit simple-error shape.
func emitConfigError(logger *log.Logger, err error) {
	out := reporter.ConfigError("startup", err)
	b, merr := json.Marshal(out)
	if merr != nil {
		logger.Printf("config error: %v", err)
		return
	}
	logger.Printf("%s", b)
}

// resolveSigningKey loads the watcher's ECDSA private key from the
// referenced location. WATCHER_SIGNER_KEY_REF is treated as a path to a
// hex-encoded key file; production deployments are expected to point this
// at a file backed by a secrets manager mount rather than plaintext on
// disk, but this binary never logs the key bytes either way.
func resolveSigningKey(ref string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(ref)
	if err != nil {
		return nil, err
	}
	hexKey := strings.TrimPrefix(string(bytes.TrimSpace(b)), "0x")
	return crypto.HexToECDSA(hexKey)
}
