// Command gatewayd runs the AI-agent gateway described in spec.md: the
// connection/handshake layer, the addressing fabric, the session request
// scheduler, and the HTTP long-poll bridge. The agent runtime, session
// store, and service discovery are external collaborators; this binary
// wires in the package's reference implementations (internal/adapter/
// agentinvoker, internal/usecase/sessionstore) so it runs standalone, and
// an embedding process can swap either out via the same constructors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"alfred-ai/internal/adapter/agentinvoker"
	"alfred-ai/internal/adapter/gateway"
	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/config"
	"alfred-ai/internal/infra/logger"
	"alfred-ai/internal/infra/tracer"
	"alfred-ai/internal/usecase/eventbus"
	"alfred-ai/internal/usecase/gatewaysched"
	"alfred-ai/internal/usecase/sessionstore"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults apply)")
	addrOverride := flag.String("addr", "", "override gateway.addr from config")
	flag.Parse()

	if err := run(*configPath, *addrOverride); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrOverride != "" {
		cfg.Gateway.Addr = addrOverride
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = ":8787"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()
	hooks := eventbus.NewGatewayHooks(bus)

	auth := buildAuthenticator(cfg.Gateway.Auth)
	nodes := gateway.NewNodeRegistry(cfg.Gateway.MaxNodes, cfg.Gateway.NodeRateLimit, cfg.Gateway.NodeRateBurst, hooks, log)
	groups := gateway.NewGroupRegistry()
	subs := gateway.NewSubscriptionIndex()
	fanout := gateway.NewEventFanout(subs, nodes, log)
	bridge := gateway.NewBridgeMailbox()
	router := gateway.NewRouter(buildRouterConfig(cfg.Agents))
	store := sessionstore.New()
	scheduler := gatewaysched.New(agentinvoker.Echo{}, store, fanout, hooks, log)

	srv := gateway.NewServer(cfg.Gateway.Addr, auth, nodes, groups, subs, router, fanout, bridge, scheduler, hooks, log)
	srv.SetTransportIdentityHeader(cfg.Gateway.Auth.TransportIdentityHeader)
	srv.SetSweepIntervals(cfg.Gateway.PingInterval, cfg.Gateway.StaleThreshold)

	hooks.Startup(ctx, cfg.Gateway.Addr)
	log.Info("gatewayd starting", "addr", cfg.Gateway.Addr, "auth_mode", cfg.Gateway.Auth.Type)
	return srv.Start(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Defaults()
		config.ApplyEnvOverrides(cfg)
		return cfg, nil
	}
	return config.Load(path)
}

// buildAuthenticator maps GatewayConfig.Auth.Type (spec.md §4.2's "none",
// "token", "password", "transport-identity") to a concrete Authenticator.
// Password mode reuses the first configured token's value as the shared
// password, since AuthConfig carries one token list for both modes.
func buildAuthenticator(cfg config.AuthConfig) gateway.Authenticator {
	switch cfg.Type {
	case "token", "static":
		tokens := make([]string, 0, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokens = append(tokens, t.Token)
		}
		return gateway.NewTokenAuthenticator(tokens)
	case "password":
		if len(cfg.Tokens) == 0 {
			return gateway.NoneAuthenticator{}
		}
		return gateway.NewPasswordAuthenticator(cfg.Tokens[0].Token)
	case "transport-identity":
		return gateway.TransportIdentityAuthenticator{}
	default:
		return gateway.NoneAuthenticator{}
	}
}

// buildRouterConfig converts the embedding process's static agent list into
// the domain.RouterConfig the gateway's Router consumes. With no agents
// configuration present, a single "default" agent is assumed so the gateway
// remains usable out of the box.
func buildRouterConfig(cfg *config.AgentsConfig) domain.RouterConfig {
	if cfg == nil || len(cfg.Instances) == 0 {
		return gateway.StaticAgents{{ID: "default", Default: true}}
	}
	agents := make(gateway.StaticAgents, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		agents = append(agents, domain.AgentSpec{ID: inst.ID, Default: inst.ID == cfg.Default})
	}
	if cfg.Default == "" {
		agents[0].Default = true
	}
	return agents
}
