package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MEKXH/warden/internal/approval"
	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/gateway"
	"github.com/MEKXH/warden/internal/pairing"
	"github.com/spf13/cobra"
)

func NewGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the pairing-protected HTTP gateway",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			slog.Warn("close audit log", "error", err)
		}
	}()

	guard, err := pairing.NewGuard(cfg.Gateway.RequirePairing, cfg.Gateway.PairedTokens)
	if err != nil {
		return err
	}
	reg, err := rt.registry(approval.NewQueueApprover(approval.NewService(rt.engine.Workspace())))
	if err != nil {
		return err
	}

	server := gateway.New(cfg.Gateway, gateway.Deps{
		Guard:  guard,
		Engine: rt.engine,
		Tools:  reg,
		Tokens: configTokenSink(cfg),
		Audit:  rt.audit,
	})
	if code := guard.PairingCode(); code != "" {
		fmt.Printf("Pairing code: %s\n", code)
		fmt.Printf("Pair with: curl -X POST -H 'X-Pairing-Code: %s' http://%s/pair\n", code, server.Addr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

// configTokenSink writes paired token hashes back into the config file.
func configTokenSink(cfg *config.Config) gateway.TokenSink {
	var mu sync.Mutex
	return gateway.TokenSinkFunc(func(hashes []string) error {
		mu.Lock()
		defer mu.Unlock()
		cfg.Gateway.PairedTokens = hashes
		return config.Save(cfg)
	})
}
