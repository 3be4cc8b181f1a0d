package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"purepale-studio/internal/builder"
	"purepale-studio/internal/client"
	"purepale-studio/internal/ledger"
	"purepale-studio/internal/model"
	"purepale-studio/internal/storage"
	"purepale-studio/pkg/logger"

	"github.com/spf13/cobra"
)

// generate 参数
var (
	promptFlag    string
	negativeFlag  string
	seedFlag      string
	stepsFlag     int
	widthFlag     int
	heightFlag    int
	guidanceFlag  float64
	strengthFlag  float64
	modelFlag     string
	initImageFlag string
	maskRectFlags []string
	repeatFlag    int
	outputFlag    string
)

const cliSession = "cli"

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate images, optionally repeating until N runs, a failure, or Ctrl-C",
	Args:  cobra.NoArgs,
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&promptFlag, "prompt", "p", "", "提示词")
	f.StringVar(&negativeFlag, "negative-prompt", "", "反向提示词")
	f.StringVar(&seedFlag, "seed", "", "随机种子，留空由后端随机")
	f.IntVar(&stepsFlag, "steps", 0, "推理步数")
	f.IntVar(&widthFlag, "width", 0, "宽度，取 64 的倍数")
	f.IntVar(&heightFlag, "height", 0, "高度，取 64 的倍数")
	f.Float64Var(&guidanceFlag, "guidance-scale", 0, "guidance scale")
	f.Float64Var(&strengthFlag, "strength", 0, "图生图强度")
	f.StringVarP(&modelFlag, "model", "m", "", "模型名称")
	f.StringVar(&initImageFlag, "init-image", "", "源图：本地文件或后端路径")
	f.StringArrayVar(&maskRectFlags, "mask-rect", nil, "矩形遮罩 ax,ay,bx,by，可重复")
	f.IntVar(&repeatFlag, "repeat", 1, "生成次数，0 表示直到失败或中断")
	f.StringVarP(&outputFlag, "output", "o", "", "下载结果图片的目录")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(cfg.Backend)
	info, err := c.Info(ctx)
	if err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}

	state := builder.NewUIState(modelFlag, model.DefaultParameters().Merge(info.DefaultParameters), cfg.Studio.LineWidth)
	if modelFlag != "" && !info.SupportsModel(modelFlag) {
		return fmt.Errorf("model %q is not supported, choose one of %v", modelFlag, info.SupportedModels)
	}
	applyFlags(cmd, state)

	if initImageFlag != "" {
		if err := setSource(ctx, c, state, initImageFlag); err != nil {
			return err
		}
	}
	if err := applyMaskRects(state, maskRectFlags); err != nil {
		return err
	}

	store := storage.NewMemoryStorage()
	now := time.Now()
	if err := store.CreateSession(&model.Session{ID: cliSession, Title: cliSession, CreatedAt: now, UpdatedAt: now}); err != nil {
		return err
	}
	led := ledger.New(store, cliSession, ledger.WithStepIncrement(cfg.Studio.StepIncrement))
	b := builder.New(c)

	out := cmd.OutOrStdout()
	for run := 1; repeatFlag <= 0 || run <= repeatFlag; run++ {
		if ctx.Err() != nil {
			fmt.Fprintln(out, "interrupted")
			break
		}

		entry, err := generateOnce(ctx, b, c, led, state)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "[%d] %s\n", run, entry.Path)

		if outputFlag != "" {
			saved, err := saveResult(ctx, c, entry.Path, outputFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "    saved %s\n", saved)
		}
	}
	return nil
}

// generateOnce 构建请求、入账、请求后端并 resolve
func generateOnce(ctx context.Context, b *builder.Builder, c *client.Client, led *ledger.Ledger, state *builder.UIState) (model.ResultEntry, error) {
	req, err := b.Prepare(state)
	if err != nil {
		return model.ResultEntry{}, err
	}
	h, err := led.Submit(req)
	if err != nil {
		return model.ResultEntry{}, err
	}

	if err := b.AttachMask(ctx, state, &req); err != nil {
		_, _ = led.Resolve(h, ledger.Failure(err.Error()).WithRequest(req))
		return model.ResultEntry{}, err
	}

	result, err := c.Generate(ctx, req)
	if err != nil {
		_, _ = led.Resolve(h, ledger.Failure(err.Error()).WithRequest(req))
		return model.ResultEntry{}, err
	}

	entry, err := led.Resolve(h, ledger.Success(result).WithRequest(req))
	if err != nil {
		return model.ResultEntry{}, err
	}
	logger.Debugf("entry %s resolved: %s", entry.ID, entry.Path)
	return entry, nil
}

func applyFlags(cmd *cobra.Command, state *builder.UIState) {
	f := cmd.Flags()
	set := func(name, param string, v any) {
		if f.Changed(name) {
			state.Parameters[param] = v
		}
	}
	set("prompt", model.ParamPrompt, promptFlag)
	set("negative-prompt", model.ParamNegativePrompt, negativeFlag)
	set("seed", model.ParamSeed, seedFlag)
	set("steps", model.ParamSteps, stepsFlag)
	set("width", model.ParamWidth, widthFlag)
	set("height", model.ParamHeight, heightFlag)
	set("guidance-scale", model.ParamGuidanceScale, guidanceFlag)
	set("strength", model.ParamStrength, strengthFlag)
}

// setSource 本地文件先上传；否则视为后端已有的路径
func setSource(ctx context.Context, c *client.Client, state *builder.UIState, src string) error {
	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		width, _ := state.Parameters.Int(model.ParamWidth)
		height, _ := state.Parameters.Int(model.ParamHeight)
		state.SetSourceImage(src, int(width), int(height))
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	path, err := c.Upload(ctx, filepath.Base(src), f)
	if err != nil {
		return err
	}
	state.SetSourceImage(path, cfg.Width, cfg.Height)
	logger.Infof("source image uploaded: %s (%dx%d)", path, cfg.Width, cfg.Height)
	return nil
}

func applyMaskRects(state *builder.UIState, rects []string) error {
	if len(rects) == 0 {
		return nil
	}
	if state.SourceImage == "" {
		return fmt.Errorf("--mask-rect needs --init-image")
	}

	state.MaskMode = builder.MaskRectangle
	for _, r := range rects {
		parts := strings.Split(r, ",")
		if len(parts) != 4 {
			return fmt.Errorf("invalid --mask-rect %q: want ax,ay,bx,by", r)
		}
		var v [4]int
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return fmt.Errorf("invalid --mask-rect %q: %w", r, err)
			}
			v[i] = n
		}
		state.Rectangles.Click(image.Pt(v[0], v[1]))
		state.Rectangles.Click(image.Pt(v[2], v[3]))
	}
	return nil
}

func saveResult(ctx context.Context, c *client.Client, path, dir string) (string, error) {
	data, _, err := c.FetchImage(ctx, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}
