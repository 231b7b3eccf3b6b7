package main

import (
	"embed"
	"errors"
	"log/slog"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"gitdeck/internal/config"
	"gitdeck/internal/singleinstance"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	app := NewApp()
	level := slog.LevelInfo
	if os.Getenv("GITDECK_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(newAppLogger(os.Stderr, level, app.sessionLog))

	// Two windows over the same workspace file would overwrite each other's
	// tree on save.
	lock, err := singleinstance.TryLock(singleinstance.DefaultName(config.DefaultDir()))
	if errors.Is(err, singleinstance.ErrAlreadyRunning) {
		slog.Info("[DEBUG-SINGLE] another instance is already running, exiting")
		return
	}
	if err != nil {
		slog.Warn("[DEBUG-SINGLE] lock failed, proceeding without single-instance guard", "error", err)
	}
	if lock != nil {
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				slog.Warn("[DEBUG-SINGLE] lock release failed", "error", releaseErr)
			}
		}()
	}

	window := config.DefaultConfig().Window
	if cfg, err := config.Load(config.DefaultPath()); err == nil {
		window = cfg.Window
	}

	err = wails.Run(&options.App{
		Title:     "gitdeck",
		Width:     window.Width,
		Height:    window.Height,
		MinWidth:  640,
		MinHeight: 400,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 18, G: 20, B: 24, A: 1},
		DragAndDrop: &options.DragAndDrop{
			EnableFileDrop:     true,
			DisableWebViewDrop: true,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		slog.Error("[DEBUG-SINGLE] wails run failed", "error", err)
	}
}
