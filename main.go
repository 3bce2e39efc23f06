// What it does:
//
// This program tracks the pose of one person in front of a camera and sends
// the keypoints to a visualization over OSC. The tracked region is selected
// with a 2x2 warp mesh that the visualization can move, apply and save over
// OSC, or that can be found automatically from the projection surface.
//
// If environment variable RUN_ENV is not 'prod' then the source and tracked
// frames can be shown in windows for calibrating the setup.
//
//
// How to run:
//
// 		go run . -d [video/stream source] -m [lightning/thunder/blazepose]
//
// Configuration is read from .env and the environment, flags override both.
//
// Supported  sources:
//   - images (*.png, *.jpg)
//   - webcam (0, 1, ...)
//   - video (*.mp4)
//   - rtsp stream
//

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osmundi/posebridge/internal/capture"
	"github.com/osmundi/posebridge/internal/config"
	"github.com/osmundi/posebridge/internal/mesh"
	"github.com/osmundi/posebridge/internal/monitoring"
	"github.com/osmundi/posebridge/internal/oscio"
	"github.com/osmundi/posebridge/internal/pipeline"
	"github.com/osmundi/posebridge/internal/pose"
	"github.com/osmundi/posebridge/internal/preview"
	"github.com/osmundi/posebridge/internal/store"
	"github.com/osmundi/posebridge/internal/stream"
	"github.com/osmundi/posebridge/internal/track"
)

func logConfigurations(configs map[string]string) {
	for k, v := range configs {
		log.Println(k, "-", v)
	}
}

func main() {
	// get environment variables
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	// read command line arguments
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// setup logging
	logfile, err := monitoring.OpenLogFile(cfg.LogFile)
	if err != nil {
		log.Fatal(err)
	}
	defer logfile.Close()
	monitoring.SetVerbose(cfg.Verbose)

	logConfigurations(cfg.Summary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	runner := &pipeline.Runner{
		Config: cfg,
		Open:   capture.Open,
	}

	var db *store.Database
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("cannot connect to database: %w", err)
		}
		defer db.Close()
		runner.Store = db
	}

	m, err := initialMesh(cfg, db)
	if err != nil {
		return err
	}

	runner.Controls = oscio.NewControls(cfg, m)
	server, err := oscio.NewServer(fmt.Sprintf("%s:%d", cfg.OSCReceiveIP, cfg.OSCReceivePort), runner.Controls)
	if err != nil {
		return err
	}
	conn, err := server.Listen()
	if err != nil {
		return err
	}
	go func() {
		if err := server.Serve(ctx, conn); err != nil {
			log.Printf("osc server stopped: %v", err)
		}
	}()

	sender := oscio.NewSender(cfg.OSCSendIP, cfg.OSCSendPort)
	log.Printf("Sending keypoints to %s", sender.Addr())
	runner.Sender = sender

	if cfg.StreamAddr != "" {
		publisher := stream.NewPublisher(cfg.StreamAddr)
		if err := publisher.Start(ctx); err != nil {
			return err
		}
		runner.Stream = publisher
	}

	if cfg.Tracking {
		estimator, err := pose.NewNetEstimator(cfg.PoseModel(), cfg.Backend, cfg.Target)
		if err != nil {
			return err
		}
		defer estimator.Close()
		runner.Estimator = estimator
		runner.Tracker = track.New(track.OptionsFromConfig(cfg))
	}

	if !cfg.Prod() {
		p := preview.New(cfg.Res())
		defer p.Close()
		runner.Preview = p
	}

	return runner.Run(ctx)
}

// initialMesh prefers the mesh file, then the last mesh recorded for the
// device, then the full frame.
func initialMesh(cfg *config.Config, db *store.Database) (mesh.Mesh, error) {
	m, custom, err := mesh.LoadOrDefault(cfg.MeshPath, cfg.Res())
	if err != nil {
		return mesh.Mesh{}, err
	}
	if custom {
		log.Printf("Mesh loaded from: %s", cfg.MeshPath)
		return m, nil
	}
	if db != nil {
		recorded, err := db.LatestMesh(cfg.Device)
		switch {
		case err == nil:
			log.Printf("Mesh restored from the database for %s", cfg.Device)
			return recorded, nil
		case !errors.Is(err, store.ErrNotFound):
			return mesh.Mesh{}, err
		}
	}
	return m, nil
}
