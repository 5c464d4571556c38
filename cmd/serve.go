package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/a2a"
	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	"github.com/nextlevelbuilder/agentrelay/internal/routing"
	"github.com/nextlevelbuilder/agentrelay/internal/runs"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/internal/store/file"
	"github.com/nextlevelbuilder/agentrelay/internal/store/pg"
	"github.com/nextlevelbuilder/agentrelay/internal/tracing"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// runWaitTimeout bounds how long an inbound message blocks on its run before
// the run is aborted and the waiter resolved.
const runWaitTimeout = 5 * time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: consume inbound messages, dispatch runs, deliver replies",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	sessStore, closeStore, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("open session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	registry := runs.NewRegistry()

	var client *gateway.Client
	reconnect := make(chan struct{}, 1)
	client = gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token,
		registry.HandleGatewayEvent,
		func(err error) {
			registry.Reset("gateway disconnected")
			select {
			case reconnect <- struct{}{}:
			default:
			}
		})
	if err := client.Connect(ctx); err != nil {
		slog.Error("connect gateway", "url", cfg.Gateway.URL, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	go reconnectLoop(ctx, client, reconnect)

	dispatcher := gateway.NewDispatcher(client, gateway.DispatcherOpts{
		DedupeTTL:      time.Duration(cfg.Gateway.DedupeTTLMin) * time.Minute,
		DedupeMaxSize:  cfg.Gateway.DedupeMaxSize,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
		DefaultTimeout: time.Duration(cfg.Gateway.CallTimeoutSec) * time.Second,
	})

	orchestrator := a2a.NewOrchestrator(dispatcher, sessStore, cfg.A2APolicy)

	msgBus := bus.NewMemBus(0)

	if err := config.Watch(ctx, resolveConfigPath(), cfg, func(c *config.Config) {
		slog.Info("config reloaded", "hash", c.Hash())
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	go deliverOutbound(ctx, msgBus, dispatcher)

	slog.Info("agentrelay started",
		"gateway", cfg.Gateway.URL,
		"managed", cfg.IsManagedMode(),
		"version", Version,
	)

	consumeInbound(ctx, msgBus, cfg, registry, dispatcher, sessStore, orchestrator)

	slog.Info("shutting down, draining background flows")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orchestrator.Shutdown(drainCtx)
}

// openSessionStore picks the directory backend: Postgres in managed mode,
// one-file-per-session otherwise.
func openSessionStore(cfg *config.Config) (store.SessionStore, func(), error) {
	if cfg.IsManagedMode() {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		slog.Info("session store: postgres")
		return pg.NewPGSessionStore(db), func() { db.Close() }, nil
	}

	dir := config.ExpandHome(cfg.Sessions.Storage)
	s, err := file.NewFileSessionStore(dir)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("session store: file", "dir", dir)
	return s, func() {}, nil
}

// reconnectLoop redials the gateway after a dropped connection, with a flat
// backoff. Runs committed before the drop were already failed by the
// registry reset; new inbound traffic queues on the bus meanwhile.
func reconnectLoop(ctx context.Context, client *gateway.Client, reconnect <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnect:
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			if err := client.Connect(ctx); err != nil {
				slog.Warn("gateway reconnect failed", "error", err)
				continue
			}
			slog.Info("gateway reconnected")
			break
		}
	}
}

// consumeInbound is the main loop: resolve each inbound message to a route,
// run it through the gateway, and publish the reply.
func consumeInbound(ctx context.Context, msgBus *bus.MemBus, cfg *config.Config, registry *runs.Registry, dispatcher *gateway.Dispatcher, sessStore store.SessionStore, orchestrator *a2a.Orchestrator) {
	slog.Info("inbound consumer started")

	dedupe := bus.NewSeenCache(time.Duration(cfg.Gateway.DedupeTTLMin)*time.Minute, cfg.Gateway.DedupeMaxSize)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound consumer stopped")
			return
		}

		if msg.MessageID != "" {
			key := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID)
			if dedupe.IsDuplicate(key) {
				slog.Debug("inbound: duplicate dropped", "key", key)
				continue
			}
		}

		// Relay requests from other agent sessions bypass routing and go
		// through the A2A orchestrator.
		if msg.Channel == "system" && strings.HasPrefix(msg.SenderID, "a2a:") {
			go processA2A(ctx, msg, msgBus, orchestrator)
			continue
		}

		go processInbound(ctx, msg, msgBus, cfg, registry, dispatcher, sessStore)
	}
}

// processA2A runs a relayed send on behalf of another agent session. The
// structured result is delivered back to the origin channel when one is named.
func processA2A(ctx context.Context, msg bus.InboundMessage, msgBus *bus.MemBus, orchestrator *a2a.Orchestrator) {
	timeoutSec := 0
	if v := msg.Metadata["timeout_seconds"]; v != "" {
		fmt.Sscanf(v, "%d", &timeoutSec)
	}
	res := orchestrator.Send(ctx, a2a.SendRequest{
		SessionKey:          msg.Metadata["target_session_key"],
		Label:               msg.Metadata["target_label"],
		AgentID:             msg.Metadata["target_agent_id"],
		Message:             msg.Content,
		TimeoutSeconds:      timeoutSec,
		RequesterSessionKey: msg.Metadata["requester_session_key"],
	})
	slog.Info("a2a: relayed send finished",
		"requester", msg.Metadata["requester_session_key"],
		"status", res.Status,
		"run_id", res.RunID,
	)
	origin := msg.Metadata["origin_channel"]
	if origin == "" || msg.ChatID == "" {
		return
	}
	if res.Status == a2a.StatusOK && res.Reply != "" && !a2a.IsReplySkip(res.Reply) {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel:   origin,
			AccountID: msg.AccountID,
			ChatID:    msg.ChatID,
			Content:   res.Reply,
			Metadata:  msg.Metadata,
		})
	} else if res.Status != a2a.StatusOK && res.Status != a2a.StatusAccepted {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel:   origin,
			AccountID: msg.AccountID,
			ChatID:    msg.ChatID,
			Content:   fmt.Sprintf("Relay failed (%s): %s", res.Status, res.Error),
			Metadata:  msg.Metadata,
		})
	}
}

func processInbound(ctx context.Context, msg bus.InboundMessage, msgBus *bus.MemBus, cfg *config.Config, registry *runs.Registry, dispatcher *gateway.Dispatcher, sessStore store.SessionStore) {
	route := routing.ResolveRoute(cfg.Snapshot(), routingInput(msg))

	slog.Info("inbound: routed",
		"channel", route.Channel,
		"chat", msg.ChatID,
		"agent", route.AgentID,
		"session", route.SessionKey,
		"matched_by", route.MatchedBy,
	)

	sess := registry.GetOrCreateSession(runs.CreateSessionOpts{SessionKey: route.SessionKey})
	sessStore.GetOrCreate(route.SessionKey)
	sessStore.SetLastRoute(route.SessionKey, store.RouteInfo{
		Channel:   route.Channel,
		AccountID: route.AccountID,
		ChatID:    msg.ChatID,
		PeerKind:  msg.PeerKind,
	})
	if err := sessStore.Save(route.SessionKey); err != nil {
		slog.Warn("inbound: session save failed", "session", route.SessionKey, "error", err)
	}

	content := msg.Content
	if max := cfg.Gateway.MaxMessageChars; max > 0 && len(content) > max {
		content = content[:max]
		slog.Debug("inbound: message truncated", "session", route.SessionKey, "max", max)
	}

	runID := uuid.NewString()
	abort := func() {
		go dispatcher.Invoke(context.Background(), protocol.MethodChatAbort,
			protocol.ChatAbortParams{SessionKey: route.SessionKey}, "")
	}
	ch := registry.BeginPrompt(sess.SessionID, runID, abort, nil)

	out, err := dispatcher.Invoke(ctx, protocol.MethodAgent, protocol.AgentParams{
		SessionKey:     route.SessionKey,
		Message:        content,
		IdempotencyKey: runID,
		Lane:           protocol.LaneMain,
	}, runID)
	if err != nil || !out.OK {
		registry.CancelActiveRun(sess.SessionID)
		<-ch
		slog.Error("inbound: submit failed", "session", route.SessionKey, "error", submitErr(out, err))
		publishReply(msgBus, msg, route, "The agent is unreachable right now. Please try again.")
		return
	}
	// The gateway assigns the authoritative run id; re-point the index so its
	// events find this run.
	var res protocol.AgentResult
	if json.Unmarshal(out.Payload, &res) == nil && res.RunID != "" && res.RunID != runID {
		registry.SetActiveRun(sess.SessionID, res.RunID, abort)
	}

	waitCtx, cancel := context.WithTimeout(ctx, runWaitTimeout)
	defer cancel()
	outcome := registry.Wait(waitCtx, sess.SessionID, ch)

	switch outcome.Status {
	case runs.StatusCompleted:
		if outcome.Content == "" || a2a.IsReplySkip(outcome.Content) {
			slog.Info("inbound: suppressed silent reply", "session", route.SessionKey)
			return
		}
		publishReply(msgBus, msg, route, outcome.Content)
	case runs.StatusCancelled:
		slog.Info("inbound: run cancelled", "session", route.SessionKey, "reason", outcome.StopReason)
		// Empty outbound lets the channel adapter clear typing indicators.
		publishReply(msgBus, msg, route, "")
	default:
		slog.Error("inbound: run failed", "session", route.SessionKey, "error", outcome.Error)
		publishReply(msgBus, msg, route, "Something went wrong handling that message.")
	}
}

func routingInput(msg bus.InboundMessage) routing.Input {
	in := routing.Input{
		Channel:       msg.Channel,
		AccountID:     msg.AccountID,
		GuildID:       msg.GuildID,
		TeamID:        msg.TeamID,
		MemberRoleIDs: msg.MemberRoleIDs,
	}
	if msg.ChatID != "" {
		in.Peer = &routing.Peer{Kind: peerKind(msg.PeerKind), ID: msg.ChatID}
	}
	if msg.ParentChatID != "" {
		in.ParentPeer = &routing.Peer{Kind: peerKind(msg.PeerKind), ID: msg.ParentChatID}
	}
	return in
}

func peerKind(kind string) routing.PeerKind {
	switch kind {
	case string(routing.PeerGroup):
		return routing.PeerGroup
	case string(routing.PeerChannel):
		return routing.PeerChannel
	default:
		return routing.PeerDirect
	}
}

func publishReply(msgBus *bus.MemBus, msg bus.InboundMessage, route routing.Route, content string) {
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:   route.Channel,
		AccountID: route.AccountID,
		ChatID:    msg.ChatID,
		Content:   content,
		Metadata:  msg.Metadata,
	})
}

// deliverOutbound forwards bus outbound messages to the gateway's send RPC.
func deliverOutbound(ctx context.Context, msgBus *bus.MemBus, dispatcher *gateway.Dispatcher) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Content == "" {
			// Cleanup-only publish; nothing to deliver upstream.
			continue
		}
		idem := uuid.NewString()
		out, err := dispatcher.Invoke(ctx, protocol.MethodSend, protocol.SendParams{
			To:             msg.ChatID,
			Message:        msg.Content,
			Provider:       msg.Channel,
			AccountID:      msg.AccountID,
			IdempotencyKey: idem,
		}, idem)
		if err != nil || !out.OK {
			slog.Error("outbound: delivery failed", "channel", msg.Channel, "chat", msg.ChatID, "error", submitErr(out, err))
		}
	}
}

func submitErr(out gateway.Outcome, err error) string {
	if err != nil {
		return err.Error()
	}
	return out.Err
}
