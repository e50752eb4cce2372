package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumenxr/lumen/broker"
	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/logger"
	"github.com/lumenxr/lumen/monitor"
	"github.com/lumenxr/lumen/native"
)

// NewRunCmd runs the broker over a headless display with a number of
// synthetic clients submitting quads.
func NewRunCmd() *cobra.Command {
	var (
		configPath string
		clients    int
		refreshHz  float32
		useMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the compositor broker with a headless display",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if useMonitor {
				cfg.Monitor.Enabled = true
			}
			if cfg.Log.JSON && !logger.JSONOutput {
				if err := logger.Initialize(true); err != nil {
					return err
				}
			}
			return runBroker(cfg, clients, refreshHz, logger.Logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to lumen.toml (default: search)")
	cmd.Flags().IntVar(&clients, "clients", 2, "number of synthetic clients")
	cmd.Flags().Float32Var(&refreshHz, "refresh", 60, "headless display refresh rate")
	cmd.Flags().BoolVar(&useMonitor, "monitor", false, "serve the WebSocket observer surface")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func runBroker(cfg *config.Config, clients int, refreshHz float32, log *zap.SugaredLogger) error {
	clk := clockwork.NewRealClock()
	display := native.NewHeadless(refreshHz, clk, log)
	b := broker.New(cfg, display, clk, log)

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(b, cfg.Monitor, log)
		mon.Start()
		defer mon.Stop()
	}

	b.Start()
	defer b.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runSyntheticClient(ctx, b, display, mon, int64(n), log)
		}(i)
	}

	log.Infow("Broker running", "clients", clients, "refresh_hz", refreshHz)
	<-ctx.Done()
	log.Infow("Shutting down")
	wg.Wait()
	return nil
}

// runSyntheticClient is the living example of the client call sequence:
// predict, wait, begin, layer_begin, one quad, commit with a fence.
func runSyntheticClient(ctx context.Context, b *broker.Broker, display *native.Headless, mon *monitor.Server, z int64, log *zap.SugaredLogger) {
	p, err := b.CreateClient(nil)
	if err != nil {
		log.Errorw("Failed to create client", "error", err)
		return
	}
	if mon != nil {
		p.SetEventSink(mon.SinkFor(p.ID.String()))
	}
	defer b.DestroyClient(p)

	if err := p.SetState(true, z == 0); err != nil && err != broker.ErrNotSupported {
		log.Warnw("Failed to set client state", "error", err)
	}
	if err := p.SetZOrder(z); err != nil && err != broker.ErrNotSupported {
		log.Warnw("Failed to set z-order", "error", err)
	}
	if err := p.BeginSession(native.SessionInfo{ViewCount: 2}); err != nil {
		log.Errorw("Failed to begin session", "error", err)
		return
	}
	defer p.EndSession()

	sc, err := p.CreateSwapchain(handle.SwapchainInfo{
		Width: 512, Height: 512, ImageCount: 3, Format: 37, // VK_FORMAT_R8G8B8A8_UNORM
	})
	if err != nil {
		log.Errorw("Failed to create swapchain", "error", err)
		return
	}
	defer sc.Release()

	for ctx.Err() == nil {
		if _, _, _, _, err := p.PredictFrame(); err != nil {
			return
		}
		frameID, displayNS, err := p.WaitFrame(ctx)
		if err != nil {
			return
		}
		if err := p.BeginFrame(frameID); err != nil {
			return
		}
		if err := p.LayerBegin(frame.Data{
			FrameID:   frameID,
			DisplayNS: displayNS,
			BlendMode: frame.BlendOpaque,
		}); err != nil {
			return
		}
		if err := p.LayerQuad(frame.SubImage{Swapchain: sc}, broker.LayerDesc{
			Extent: frame.Extent{Width: 1, Height: 1},
			Pose:   frame.Pose{Orientation: frame.Quat{W: 1}, Position: frame.Vec3{Z: -2, X: float32(z)}},
		}); err != nil {
			return
		}

		sync, fence := display.NewFenceSync()
		// Pretend the GPU takes a moment.
		go func() {
			time.Sleep(time.Millisecond)
			fence.Signal()
		}()
		if err := p.LayerCommit(sync); err != nil {
			return
		}
	}
}
