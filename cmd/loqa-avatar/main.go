package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/clock"
	"github.com/loqalabs/loqa-avatar/internal/compose"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/portrait"
	"github.com/loqalabs/loqa-avatar/internal/render"
	"github.com/loqalabs/loqa-avatar/internal/session"
)

var version = "0.1.0-dev"

type renderOptions struct {
	configPath string
	avatar     string
	out        string
	at         float64
	gesture    float64
	speaking   bool
	text       string
}

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "loqa-avatar.yaml", "Path to configuration file")

	var ro renderOptions
	renderCmd := flag.NewFlagSet("render", flag.ExitOnError)
	renderCmd.StringVar(&ro.configPath, "config", "", "Path to configuration file (empty for defaults)")
	renderCmd.StringVar(&ro.avatar, "avatar", "", "Avatar variant (defaults to the configured one)")
	renderCmd.StringVar(&ro.out, "out", "frame.jpg", "Output file, - for stdout")
	renderCmd.Float64Var(&ro.at, "t", 0, "Animation time in Unix seconds (0 for now)")
	renderCmd.Float64Var(&ro.gesture, "gesture", 50, "Gesture intensity 0-100")
	renderCmd.BoolVar(&ro.speaking, "speaking", false, "Render a speaking frame")
	renderCmd.StringVar(&ro.text, "text", "", "Caption text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'render', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "render":
		renderCmd.Parse(os.Args[2:])
		if err := runRender(ro); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runRender(ro renderOptions) error {
	cfg, err := config.Load(ro.configPath)
	if err != nil {
		return err
	}
	if ro.gesture < 0 || ro.gesture > 100 || math.IsNaN(ro.gesture) {
		return fmt.Errorf("gesture must be between 0 and 100")
	}
	variant := ro.avatar
	if variant == "" {
		variant = cfg.Avatar.DefaultVariant
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	source, err := portrait.NewSource(cfg.Portrait)
	if err != nil {
		return err
	}
	loader, err := portrait.NewLoader(cfg.Portrait, cfg.Paths.AvatarDir, source, logger)
	if err != nil {
		return err
	}

	at := time.Now()
	if ro.at > 0 {
		sec, frac := math.Modf(ro.at)
		at = time.Unix(int64(sec), int64(frac*1e9))
	}
	clk := clock.NewManual(at)
	registry := session.NewRegistry(loader, clk, session.Options{
		PreviewID:      cfg.Avatar.PreviewID,
		DefaultVariant: cfg.Avatar.DefaultVariant,
	}, logger)

	compositor, err := compose.New(compose.OptionsFrom(cfg.Render))
	if err != nil {
		return err
	}
	pipeline, err := render.NewPipeline(render.NewPool(1), face.NewRenderer(), compositor, clk, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s := registry.Create(ctx, "cli", variant)
	res, err := pipeline.Frame(ctx, s, anim.Input{
		GestureIntensity: ro.gesture,
		Speaking:         ro.speaking,
		Text:             ro.text,
	})
	if err != nil {
		return err
	}

	if ro.out == "-" {
		_, err = os.Stdout.Write(res.Data)
		return err
	}
	if err := writeFile(ro.out, res.Data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%s, %d bytes, blink=%.2f mouth=%.2f)\n",
		ro.out, res.ContentType, len(res.Data), res.State.EyeBlink, res.State.MouthOpen)
	return nil
}

// writeFile returns the Close error when the write itself succeeded.
func writeFile(path string, data []byte) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(data)
	return err
}
