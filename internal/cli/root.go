package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/getcharzp/go-cutout/internal/config"
	"github.com/getcharzp/go-cutout/internal/logger"
	"github.com/getcharzp/go-cutout/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// 构建信息, 通过 -ldflags "-X github.com/getcharzp/go-cutout/internal/cli.Version=..." 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cutout",
	Short: "SAM2 interactive background removal",
	Long: `cutout runs the SAM2 mask decoder on ONNX Runtime and composites approved masks
into trimmed, transparent 300 DPI PNGs.

Example usage:
  cutout serve                                   # Start the HTTP service
  cutout segment cat.jpg -p 320,240 -o prev.png  # Preview a mask from point prompts
  cutout composite cat.jpg mask.png -f 4         # Apply a mask locally`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(envFile); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Init(cfg.Server.Mode); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// loadEnv 加载 .env, 文件不存在时忽略, 已存在的环境变量不会被覆盖
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func buildInfo() server.BuildInfo {
	return server.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
	}
}
