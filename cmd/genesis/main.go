// Copyright 2025 The Genesis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command genesis runs the Genesis process kinds.
//
// Usage:
//
//	genesis agent --config config.yaml
//	genesis service --config config.yaml
//	genesis chat --config config.yaml
//	genesis observe --config config.yaml
//	genesis validate --config config.yaml
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/genesis-rt/genesis/pkg/agent"
	"github.com/genesis-rt/genesis/pkg/config"
	"github.com/genesis-rt/genesis/pkg/fabric"
	"github.com/genesis-rt/genesis/pkg/iface"
	"github.com/genesis-rt/genesis/pkg/llm"
	"github.com/genesis-rt/genesis/pkg/memory"
	"github.com/genesis-rt/genesis/pkg/monitoring"
	"github.com/genesis-rt/genesis/pkg/service"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Path to the configuration file." short:"c" default:"genesis.yaml"`

	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Agent    AgentCmd    `cmd:"" help:"Run an agent."`
	Service  ServiceCmd  `cmd:"" help:"Run the demo calculator service."`
	Chat     ChatCmd     `cmd:"" help:"Run an interactive interface."`
	Observe  ObserveCmd  `cmd:"" help:"Stream the live topology graph."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file."`
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println("genesis", version)
	return nil
}

// loadRuntime loads config, sets up logging, and opens the fabric.
func loadRuntime(path string) (*config.Config, fabric.Fabric, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Fabric.RedisAddr,
		Password: cfg.Fabric.RedisPassword,
		DB:       cfg.Fabric.RedisDB,
	})
	fab, err := fabric.NewPulse(rdb)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fab, nil
}

func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
}

type AgentCmd struct{}

func (AgentCmd) Run(cli *CLI) error {
	cfg, fab, err := loadRuntime(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()

	provider, err := buildProvider(cfg.Agent.Provider)
	if err != nil {
		return err
	}
	store, err := buildMemory(cfg)
	if err != nil {
		return err
	}

	a, err := agent.NewMonitored(ctx, fab, agent.MonitoredConfig{
		Agent: agent.Config{
			Name:            cfg.Agent.Name,
			Endpoint:        cfg.Agent.Endpoint,
			Description:     cfg.Agent.Description,
			Specializations: cfg.Agent.Specializations,
			Capabilities:    cfg.Agent.Capabilities,
			Provider:        provider,
			Memory:          store,
			MaxTurns:        cfg.Agent.MaxTurns,
			MemoryWindow:    cfg.Agent.MemoryWindow,
			GeneralPrompt:   cfg.Agent.GeneralPrompt,
			FunctionPrompt:  cfg.Agent.FunctionPrompt,
			FunctionTimeout: cfg.Agent.FunctionTimeoutDuration(),
			AgentTimeout:    cfg.Agent.AgentTimeoutDuration(),
		},
		WarmupWindow: cfg.Agent.WarmupWindowDuration(),
	})
	if err != nil {
		return err
	}
	slog.Info("agent running", "name", cfg.Agent.Name, "guid", a.GUID())

	waitForSignal(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return nil
}

type ServiceCmd struct{}

// Run hosts the demo calculator service. Production services embed
// pkg/service as a library and register their own functions.
func (ServiceCmd) Run(cli *CLI) error {
	cfg, fab, err := loadRuntime(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()

	name := cfg.Service.Name
	if name == "" {
		name = "calculator"
	}
	svc, err := service.New(ctx, fab, service.Config{Name: name})
	if err != nil {
		return err
	}
	err = svc.RegisterFunction(ctx, service.Function{
		Name:        "add",
		Description: "Add two numbers and return their sum.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x": map[string]any{"type": "number"},
				"y": map[string]any{"type": "number"},
			},
			"required": []string{"x", "y"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			x, _ := args["x"].(float64)
			y, _ := args["y"].(float64)
			return map[string]any{"result": x + y}, nil
		},
	})
	if err != nil {
		return err
	}
	slog.Info("service running", "name", name, "guid", svc.GUID())

	waitForSignal(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Shutdown(shutdownCtx)
	return nil
}

type ChatCmd struct{}

func (ChatCmd) Run(cli *CLI) error {
	cfg, fab, err := loadRuntime(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()

	name := cfg.Interface.Name
	if name == "" {
		name = "chat"
	}
	ui, err := iface.New(ctx, fab, iface.Config{
		Name:           name,
		RequestTimeout: cfg.Interface.RequestTimeoutDuration(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ui.Shutdown(shutdownCtx)
	}()

	target := cfg.Interface.Agent
	if target == "" {
		// Wait briefly for the directory to fill, then take the first
		// discovered agent.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if agents := ui.Agents(); len(agents) > 0 {
				target = agents[0].Name
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	if target == "" {
		return fmt.Errorf("no agents discovered; is one running?")
	}
	if err := ui.ConnectToAgent(ctx, target, 10*time.Second); err != nil {
		return err
	}
	connected, _ := ui.Connected()
	fmt.Printf("connected to %s — type a message, ctrl-d to exit\n", connected.Name)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := ui.SendRequest(ctx, line, "")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if reply.Status != 0 {
			fmt.Printf("[status %d] %s\n", reply.Status, reply.Message)
			continue
		}
		fmt.Println(reply.Message)
	}
	return scanner.Err()
}

type ObserveCmd struct{}

func (ObserveCmd) Run(cli *CLI) error {
	_, fab, err := loadRuntime(cli.Config)
	if err != nil {
		return err
	}
	ctx := context.Background()

	obs, err := monitoring.NewObserver(ctx, fab)
	if err != nil {
		return err
	}
	defer obs.Close(ctx)

	graph := obs.Snapshot()
	fmt.Printf("topology: %d nodes, %d edges\n", len(graph.Nodes), len(graph.Edges))
	for _, node := range graph.Nodes {
		fmt.Printf("  node %s %s %s (%s)\n", node.Type, node.ID, node.State, node.Name)
	}
	for _, edge := range graph.Edges {
		fmt.Printf("  edge %s %s -> %s\n", edge.Type, edge.Source, edge.Target)
	}

	changes := obs.Changes()
	activities := obs.Activities()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sigCh:
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			switch {
			case change.Node != nil && change.Removed:
				fmt.Printf("- node %s\n", change.Node.ID)
			case change.Node != nil:
				fmt.Printf("+ node %s %s %s\n", change.Node.Type, change.Node.ID, change.Node.State)
			case change.Edge != nil && change.Removed:
				fmt.Printf("- edge %s\n", change.Edge.Key)
			case change.Edge != nil:
				fmt.Printf("+ edge %s %s -> %s\n", change.Edge.Type, change.Edge.Source, change.Edge.Target)
			}
		case act, ok := <-activities:
			if !ok {
				return nil
			}
			fmt.Printf("~ chain %s %s %s -> %s (%s) status=%d %dms\n",
				act.ChainID, act.Type, act.Source, act.Target, act.Operation, act.Status, act.DurationMS)
		}
	}
}

type ValidateCmd struct{}

func (ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

func buildProvider(cfg config.ProviderConfig) (llm.Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "openai":
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func buildMemory(cfg *config.Config) (memory.Adapter, error) {
	mc := cfg.Agent.Memory
	switch mc.Type {
	case "", "working":
		return memory.NewWorking(memory.WorkingConfig{WindowSize: mc.Retain}), nil
	case "sqlite":
		return memory.NewSQL(memory.SQLConfig{Dialect: "sqlite3", DSN: mc.DSN, Retain: mc.Retain})
	case "postgres":
		return memory.NewSQL(memory.SQLConfig{Dialect: "postgres", DSN: mc.DSN, Retain: mc.Retain})
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Fabric.RedisAddr,
			Password: cfg.Fabric.RedisPassword,
			DB:       cfg.Fabric.RedisDB,
		})
		return memory.NewRedis(memory.RedisConfig{Client: rdb, Retain: mc.Retain})
	default:
		return nil, fmt.Errorf("unknown memory type %q", mc.Type)
	}
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("genesis"),
		kong.Description("Distributed runtime for cooperating AI agents over a pub/sub fabric."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "genesis: %v\n", err)
		os.Exit(1)
	}
}
