package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"purepale-studio/internal/client"
	"purepale-studio/internal/config"
	"purepale-studio/internal/describe"
	"purepale-studio/pkg/logger"

	"github.com/spf13/cobra"
)

// 全局参数
var (
	configFlag  string
	backendFlag string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "purepale-cli",
	Short: "Drive a Stable Diffusion backend from the terminal",
	Long: `purepale-cli talks to the same generation backend as the studio server.

Examples:
  purepale-cli info
  purepale-cli upload ./cat.png
  purepale-cli generate --prompt "a lighthouse at dusk" --steps 30 --output ./out
  purepale-cli generate --prompt "koi pond" --repeat 5
  purepale-cli generate --init-image ./cat.png --mask-rect 0,0,256,256 --prompt "a tiger"
  purepale-cli describe images/uploaded_1.png`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logLevel, "text")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "生成后端地址，覆盖配置")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别")

	rootCmd.AddCommand(infoCmd, uploadCmd, describeCmd, generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Backend.BaseURL = backendFlag
	}
	return cfg, nil
}

// signalContext Ctrl-C 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show backend defaults and supported models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		info, err := client.New(cfg.Backend).Info(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image and print its backend path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		path, err := uploadFile(ctx, client.New(cfg.Backend), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <backend-path>",
	Short: "Generate a prompt from an uploaded image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		c := client.New(cfg.Backend)
		d, err := describe.New(cfg.Describe, c, c)
		if err != nil {
			return err
		}
		prompt, err := d.Describe(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt)
		return nil
	},
}

func uploadFile(ctx context.Context, c *client.Client, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.Upload(ctx, filepath.Base(path), f)
}
