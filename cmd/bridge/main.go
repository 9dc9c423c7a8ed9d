// Command bridge 是桥接进程的入口: 连接本地 agent、拨号 relay 控制面,
// 运行一次 Sync Bootstrap, 然后阻塞直到收到终止信号。
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/durangohq/bridge/internal/binding"
	"github.com/durangohq/bridge/internal/bootstrap"
	"github.com/durangohq/bridge/internal/codex"
	"github.com/durangohq/bridge/internal/config"
	"github.com/durangohq/bridge/internal/dispatch"
	"github.com/durangohq/bridge/internal/relaylink"
	"github.com/durangohq/bridge/internal/translate"
	"github.com/durangohq/bridge/pkg/logger"
	"github.com/durangohq/bridge/pkg/util"
)

func main() {
	logger.Init(os.Getenv("DURANGO_ENV"))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bindings := binding.New()
	var link atomic.Pointer[relaylink.Link]

	onNotify := func(method string, params json.RawMessage) {
		l := link.Load()
		if l == nil {
			return
		}
		result, ok := translate.Forward(method, params, func(agentThreadID string) (string, bool) {
			downstream, err := bindings.Downstream(agentThreadID)
			if err != nil {
				return "", false
			}
			return downstream, true
		})
		if !ok {
			return
		}
		switch result.Kind {
		case "threadUpdate":
			l.SendThreadUpdate(result.DownstreamThreadID, result.Title)
		case "event":
			for _, item := range result.Items {
				l.SendEvent(result.RequestID, result.DownstreamThreadID, item)
			}
		}
	}

	agent, err := codex.Connect(ctx, codex.SpawnOptions{
		Bin:     cfg.CodexBin,
		Addr:    cfg.CodexAppServerURL,
		AgentID: cfg.MachineID,
	}, onNotify)
	if err != nil {
		logger.Fatal("bridge: failed to connect to agent", logger.FieldError, err)
		return
	}
	defer agent.Shutdown()

	if err := agent.Initialize(); err != nil {
		logger.Fatal("bridge: agent initialize failed", logger.FieldError, err)
		return
	}

	var coordinator *dispatch.Coordinator
	var relayLink *relaylink.Link
	ready := make(chan struct{}, 1)

	relayLink = relaylink.New(relaylink.Options{
		URL:          cfg.RelayURL,
		Token:        cfg.RelayToken,
		MachineID:    cfg.MachineID,
		UserID:       cfg.UserID,
		CodexVersion: cfg.CodexVersion,
		HeartbeatSec: cfg.HeartbeatSec,
		Handlers: relaylink.Handlers{
			OnSessionReady: func() {
				select {
				case ready <- struct{}{}:
				default:
				}
			},
			OnSessionError: func(reason string, recoverable bool) {
				logger.Error("bridge: session error", "reason", reason, "recoverable", recoverable)
				if !recoverable {
					_ = relayLink.Close()
					_ = agent.Shutdown()
					os.Exit(1)
				}
			},
			OnDispatch: func(payload json.RawMessage) {
				var req dispatch.Request
				if err := json.Unmarshal(payload, &req); err != nil {
					logger.Warn("bridge: dropping malformed dispatch request", logger.FieldError, err)
					return
				}
				coordinator.Handle(req)
			},
		},
	})
	link.Store(relayLink)
	coordinator = dispatch.New(agent, bindings, func(ack dispatch.Ack) { relayLink.SendAck(ack) })

	if err := relayLink.Connect(ctx); err != nil {
		logger.Fatal("bridge: failed to connect to relay", logger.FieldError, err)
		return
	}
	defer relayLink.Close()

	util.SafeGo(func() {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		runBootstrap(ctx, cfg, agent, bindings, relayLink)
	})

	logger.Info("bridge: running",
		logger.FieldMachineID, cfg.MachineID,
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
	)

	select {
	case <-ctx.Done():
	case <-agent.Transport().Fatal():
		logger.Error("bridge: agent transport died, tearing down")
	}

	logger.Info("bridge: shutting down")
}

func runBootstrap(ctx context.Context, cfg *config.Config, agent *codex.Client, bindings *binding.Map, link *relaylink.Link) {
	projectsPath := filepath.Join(cfg.ConfigDir, "projects.json")
	projects, err := bootstrap.LoadProjectsFile(projectsPath)
	if err != nil {
		logger.Warn("bridge: failed to load projects manifest", logger.FieldError, err, logger.FieldPath, projectsPath)
	}

	bootstrap.Run(ctx, bootstrap.Deps{
		Agent:      agent,
		Bindings:   bindings,
		Projects:   projects,
		MachineID:  cfg.MachineID,
		RelayToken: cfg.RelayToken,
		WebBaseURL: cfg.WebURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		PushUpsert: func(u bootstrap.ThreadUpsert) {
			_ = link.Send(relaylink.ClientMessage{Type: "thread.upsert", Payload: u})
		},
	})
}
