// =============================================================================
// Roundtable 主入口
// =============================================================================
// 多 agent 轮流发言会话的命令行入口，包含模拟运行、迁移、健康检查
//
// 使用方法:
//
//	roundtable run --subject "..." --agents alice,bob,carol   # 运行一个会话
//	roundtable run --config config.yaml --rounds 5            # 指定配置文件
//	roundtable migrate up                                      # 创建数据库表
//	roundtable health                                          # 检查存储连通性
//	roundtable version                                         # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/roundtable/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runConversation(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("Roundtable %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Roundtable - multi-agent round-based conversations

Usage:
  roundtable <command> [options]

Commands:
  run       Run a conversation with a scripted dispatcher
  migrate   Database schema commands
  health    Check store connectivity
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>        Path to configuration file (YAML)
  --subject <text>       Conversation subject
  --goal <text>          Conversation goal
  --agents <a,b,c>       Speaking agents, in roster order
  --secretary <name>     Optional secretary (never scheduled)
  --mode <mode>          round_robin | moderator | dynamic
  --rounds <n>           Round cap (0 = until interrupted)
  --speed-ms <n>         Pause between rounds
  --max-context <n>      Context budget in tokens (0 = unlimited)
  --chance <0-100>       Extended speaking chance
  --depth <depth>        brief | concise | standard | detailed | deep
  --interject <text>     User interjection merged after --interject-after
  --ops                  Serve /metrics, /healthz, /readyz on metrics.addr

Migration subcommands:
  migrate up             Create or update tables

Examples:
  roundtable run --subject "Four-day work week?" --agents ada,linus,grace --rounds 3
  roundtable migrate up --config /etc/roundtable/config.yaml
  roundtable version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
