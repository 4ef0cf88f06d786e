// forge-check is the pre-flight diagnostic. It verifies everything a Forge
// instance needs before taking federation traffic: configuration, the
// signing key, Redis, the graph database, and the breaker machinery. Exit
// status is non-zero when any required check fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/config"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/graph"
	"github.com/forgegraph/forge-core/internal/infra"
)

const (
	colorCyan   = "\033[96m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

// errSkipped marks a check whose subject is not configured. Skips are
// reported but do not fail the run.
var errSkipped = errors.New("not configured")

func main() {
	_ = godotenv.Load()

	fmt.Println(colorCyan + "Forge Federation Core - Pre-Flight Diagnostic" + colorReset)
	fmt.Println("-----------------------------------------------------")

	configPath := os.Getenv("FORGE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	report("Configuration", err)
	if err != nil {
		fmt.Println("-----------------------------------------------------")
		fmt.Printf("%sStatus: cannot continue without configuration (%s).%s\n", colorRed, configPath, colorReset)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	checks := []struct {
		name string
		run  func(context.Context, *config.Config) error
	}{
		{"Signing key", checkSigningKey},
		{"Redis", checkRedis},
		{"Graph database", checkGraph},
		{"Circuit breakers", checkBreakers},
	}

	failed := 0
	for _, c := range checks {
		if !report(c.name, c.run(ctx, cfg)) {
			failed++
		}
	}

	fmt.Println("-----------------------------------------------------")
	if failed > 0 {
		fmt.Printf("%sStatus: %d check(s) failed.%s\n", colorRed, failed, colorReset)
		os.Exit(1)
	}
	fmt.Println(colorCyan + "Status: ready for federation traffic." + colorReset)
}

// report prints one OK/SKIP/FAIL line and returns whether the check passed
// or was skipped.
func report(name string, err error) bool {
	fmt.Printf("Checking %-22s ", name+"...")
	switch {
	case err == nil:
		fmt.Println(colorGreen + "[OK]" + colorReset)
		return true
	case errors.Is(err, errSkipped):
		fmt.Println(colorYellow + "[SKIP]" + colorReset)
		fmt.Printf("  >> %v\n", err)
		return true
	default:
		fmt.Println(colorRed + "[FAIL]" + colorReset)
		fmt.Printf("  >> Error: %v\n", err)
		return false
	}
}

func checkSigningKey(_ context.Context, cfg *config.Config) error {
	provider, err := federation.LoadOrCreateProvider(
		federation.CryptoAlgorithm(cfg.Federation.KeyAlgorithm), cfg.Federation.PrivateKeyPath)
	if err != nil {
		return err
	}
	// Round-trip a signature so a corrupt key fails here, not mid-handshake.
	probe := []byte("forge-check probe")
	sig, err := provider.Sign(probe)
	if err != nil {
		return fmt.Errorf("sign probe: %w", err)
	}
	ok, err := federation.VerifySignature(provider.PublicKeyBytes(), probe, sig)
	if err != nil {
		return fmt.Errorf("verify probe: %w", err)
	}
	if !ok {
		return errors.New("signature round-trip failed")
	}
	if cfg.Federation.PrivateKeyPath == "" {
		return fmt.Errorf("%w: federation.private_key_path is empty, the server will use an ephemeral key", errSkipped)
	}
	return nil
}

func checkRedis(ctx context.Context, cfg *config.Config) error {
	if cfg.Cache.RedisURL == "" {
		return fmt.Errorf("%w: cache.redis_url is empty, in-memory backends will be used", errSkipped)
	}
	adapter, err := infra.NewRedisAdapter(cfg.Cache.RedisURL)
	if err != nil {
		return err
	}
	defer adapter.Close()
	return adapter.Ping(ctx)
}

func checkGraph(ctx context.Context, cfg *config.Config) error {
	if cfg.Graph.URI == "" {
		if cfg.Server.Env == "production" {
			return errors.New("graph.uri is required in production")
		}
		return fmt.Errorf("%w: graph.uri is empty, in-memory stores will be used", errSkipped)
	}
	exec, err := graph.NewNeo4jExecutor(cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password, cfg.Graph.Database)
	if err != nil {
		return err
	}
	defer exec.Close(ctx)
	return exec.Ping(ctx)
}

// checkBreakers exercises the breaker state machine: a closed breaker must
// pass calls through, trip on ForceOpen, and recover on Reset.
func checkBreakers(ctx context.Context, cfg *config.Config) error {
	registry := circuitbreaker.NewRegistry(nil)
	for name, bc := range cfg.Breakers {
		registry.Configure(name, circuitbreaker.Config{
			FailureThreshold:     bc.FailureThreshold,
			FailureRateThreshold: bc.FailureRateThreshold,
			WindowSize:           bc.WindowSize,
			MinCallsForRate:      bc.MinCallsForRate,
			SuccessThreshold:     bc.SuccessThreshold,
			RecoveryTimeout:      time.Duration(bc.RecoveryTimeoutSeconds) * time.Second,
			CallTimeout:          time.Duration(bc.CallTimeoutSeconds) * time.Second,
			HalfOpenMaxCalls:     bc.HalfOpenMaxCalls,
		})
	}

	cb := registry.Neo4j()
	if _, err := circuitbreaker.Execute(ctx, cb, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	}); err != nil {
		return fmt.Errorf("closed breaker rejected a call: %w", err)
	}

	cb.ForceOpen(time.Minute)
	if _, err := circuitbreaker.Execute(ctx, cb, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	}); err == nil {
		return errors.New("forced-open breaker passed a call through")
	}

	cb.Reset()
	if !registry.Health().Healthy {
		return errors.New("registry reports unhealthy after reset")
	}
	return nil
}
