package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/types"
)

// runOptions 是 run 子命令的参数
type runOptions struct {
	configPath     string
	subject        string
	goal           string
	agents         string
	secretary      string
	mode           string
	rounds         int
	speedMs        int
	maxContext     int
	chance         int
	depth          string
	interject      string
	interjectAfter int
	serveOps       bool
}

func parseRunOptions(args []string) (*runOptions, error) {
	opts := &runOptions{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.subject, "subject", "", "Conversation subject")
	fs.StringVar(&opts.goal, "goal", "", "Conversation goal")
	fs.StringVar(&opts.agents, "agents", "", "Comma separated speaking agents")
	fs.StringVar(&opts.secretary, "secretary", "", "Secretary name")
	fs.StringVar(&opts.mode, "mode", string(types.ModeRoundRobin), "round_robin | moderator | dynamic")
	fs.IntVar(&opts.rounds, "rounds", 3, "Round cap, 0 for unlimited")
	fs.IntVar(&opts.speedMs, "speed-ms", 0, "Pause between rounds in milliseconds")
	fs.IntVar(&opts.maxContext, "max-context", 0, "Context budget in tokens")
	fs.IntVar(&opts.chance, "chance", 0, "Extended speaking chance (0-100)")
	fs.StringVar(&opts.depth, "depth", string(types.DepthStandard), "Conversation depth")
	fs.StringVar(&opts.interject, "interject", "", "User interjection")
	fs.IntVar(&opts.interjectAfter, "interject-after", 0, "Round after which the interjection is merged")
	fs.BoolVar(&opts.serveOps, "ops", false, "Serve ops endpoints on metrics.addr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.subject == "" {
		return nil, errors.New("--subject is required")
	}
	if len(splitNames(opts.agents)) == 0 {
		return nil, errors.New("--agents needs at least one name")
	}
	return opts, nil
}

// conversation 把参数转换为会话设置，未指定项由 ApplyDefaults 填充
func (o *runOptions) conversation() *types.Conversation {
	return &types.Conversation{
		Subject:                o.subject,
		Goal:                   o.goal,
		Mode:                   types.ConversationMode(o.mode),
		SpeedMs:                o.speedMs,
		MaxRounds:              o.rounds,
		MaxContextTokens:       o.maxContext,
		ExtendedSpeakingChance: o.chance,
		ConversationDepth:      types.ConversationDepth(o.depth),
	}
}

func (o *runOptions) roster() []*types.Agent {
	var agents []*types.Agent
	for i, name := range splitNames(o.agents) {
		agents = append(agents, &types.Agent{Name: name, Order: i, Provider: "scripted"})
	}
	if o.secretary != "" {
		agents = append(agents, &types.Agent{Name: o.secretary, Order: -1, IsSecretary: true})
	}
	return agents
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// 🗣️ run 命令
// =============================================================================

func runConversation(args []string) error {
	opts, err := parseRunOptions(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()
	logger.Info("Starting Roundtable",
		zap.String("version", Version),
		zap.String("store", cfg.Store.Type),
	)

	a, err := newApp(cfg, logger, scriptedDispatcher{})
	if err != nil {
		return err
	}
	defer a.close()

	if opts.serveOps {
		if err := a.serveOps(); err != nil {
			return err
		}
	}

	ctx := context.Background()
	conv, err := a.manager.CreateConversation(ctx, opts.conversation(), opts.roster())
	if err != nil {
		return err
	}
	logger.Info("conversation created", zap.String("conversation_id", conv.ID))

	if opts.interject != "" {
		if _, err := a.manager.SubmitInterjection(ctx, conv.ID, opts.interject, opts.interjectAfter); err != nil {
			return err
		}
	}

	if err := a.manager.Start(ctx, conv.ID); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- a.manager.Wait(ctx, conv.ID) }()

	select {
	case err = <-done:
	case sig := <-sigCh:
		logger.Info("received signal, stopping conversation", zap.String("signal", sig.String()))
		err = a.manager.Stop(ctx, conv.ID)
	}
	if err != nil {
		return err
	}

	return printTranscript(ctx, os.Stdout, a.manager, conv.ID)
}

// printTranscript 输出最终状态与全部消息
func printTranscript(ctx context.Context, w io.Writer, m *conversation.Manager, conversationID string) error {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	agents, err := m.ListAgents(ctx, conversationID)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(agents))
	for _, ag := range agents {
		names[ag.ID] = ag.Name
	}
	msgs, err := m.Messages(ctx, conversationID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "# %s\n", conv.Subject)
	fmt.Fprintf(w, "status=%s reason=%s rounds=%d\n\n", conv.Status, conv.StatusReason, conv.CurrentRound)
	for _, msg := range msgs {
		speaker := names[msg.AgentID]
		if msg.Type == types.MessageInterjection {
			speaker = "user"
		}
		fmt.Fprintf(w, "[r%d #%d] %s: %s\n", msg.Round, msg.Seq, speaker, msg.Content)
	}
	return nil
}

// eventLogger 把编排事件写入 debug 日志
func eventLogger(logger *zap.Logger) conversation.EventHandler {
	logger = logger.With(zap.String("component", "events"))
	return func(name string, payload any) {
		if w, ok := payload.(conversation.WarningEvent); ok {
			logger.Warn("conversation warning",
				zap.String("conversation_id", w.ConversationID),
				zap.String("code", w.Code),
				zap.String("message", w.Message),
			)
			return
		}
		logger.Debug("event", zap.String("name", name), zap.Any("payload", payload))
	}
}
