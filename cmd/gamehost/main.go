package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	"github.com/zeusync/gamehost/internal/core/threading"
	"github.com/zeusync/gamehost/internal/host"
	"github.com/zeusync/gamehost/internal/injector"
)

// orbit is a tiny headless simulation: a handful of points circling the origin.
type orbit struct {
	points int
	limit  uint64
	frame  atomic.Uint64
	exit   func()
}

type orbitScene struct {
	Frame uint64
	X, Y  []float64
}

func (o *orbit) UpdateFrame() (*host.SceneSnapshot, error) {
	n := o.frame.Add(1)
	if o.limit > 0 && n > o.limit {
		o.exit()
		return nil, nil
	}

	scene := orbitScene{Frame: n, X: make([]float64, o.points), Y: make([]float64, o.points)}
	commands := make([]byte, 0, o.points*16)
	for i := range o.points {
		angle := float64(n)/100 + float64(i)*2*math.Pi/float64(o.points)
		scene.X[i], scene.Y[i] = math.Cos(angle), math.Sin(angle)
		commands = binary.LittleEndian.AppendUint64(commands, math.Float64bits(scene.X[i]))
		commands = binary.LittleEndian.AppendUint64(commands, math.Float64bits(scene.Y[i]))
	}
	return host.NewSceneSnapshot(scene, commands), nil
}

func loadConfig(path string) (host.Config, error) {
	if path == "" {
		return host.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return host.Config{}, err
	}
	defer f.Close()
	return host.LoadConfig(f)
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML host config")
		single     = flag.Bool("single", false, "step every thread from the main loop")
		frames     = flag.Uint64("frames", 0, "exit after this many update frames (0 runs until interrupted)")
		statsAddr  = flag.String("statsview", "", "serve runtime charts on this address, e.g. localhost:18066")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
	if *single {
		cfg.ExecutionMode = threading.SingleThread
	}

	if *statsAddr != "" {
		viewer.SetConfiguration(viewer.WithAddr(*statsAddr))
		mgr := statsview.New()
		go mgr.Start()
		defer mgr.Stop()
	}

	app := &orbit{points: 8, limit: *frames}
	h, err := injector.InitializeHost(cfg, app)
	if err != nil {
		fmt.Println("Error creating host:", err)
		os.Exit(1)
	}
	app.exit = h.Exit

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-h.Stopped():
		}
	}()

	if err := h.Run(ctx); err != nil {
		fmt.Println("Host stopped with fault:", err)
		os.Exit(1)
	}
	for _, stats := range h.Stats() {
		fmt.Printf("%-8s frames=%d tasks=%d avg_work=%s fps=%.1f\n",
			stats.Name, stats.Frames, stats.Tasks, stats.AverageWorkTime, stats.FramesPerSecond)
	}
}
