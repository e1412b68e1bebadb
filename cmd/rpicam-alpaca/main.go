package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"rpicam-alpaca/pkg/alpaca"
	"rpicam-alpaca/pkg/capture"
	"rpicam-alpaca/pkg/capture/simulator"
	"rpicam-alpaca/pkg/drivers/picamera"
	"rpicam-alpaca/pkg/sensor"
	"rpicam-alpaca/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

const version = "1.0"

// detectCamera returns the first attached camera and its sensor profile. An
// unknown sensor model is fatal.
func detectCamera(detector capture.Detector, catalog *sensor.Catalog) (capture.CameraInfo, sensor.Profile, error) {
	cameras, err := detector.Cameras()
	if err != nil {
		return capture.CameraInfo{}, sensor.Profile{}, fmt.Errorf("failed to list cameras: %v", err)
	}
	if len(cameras) == 0 {
		return capture.CameraInfo{}, sensor.Profile{}, errors.New("no camera detected")
	}

	cam := cameras[0]
	profile, err := catalog.Lookup(cam.Model)
	if err != nil {
		return cam, sensor.Profile{}, err
	}
	return cam, profile, nil
}

// newEventPublisher connects to the MQTT broker when events are enabled. A
// broker that cannot be reached disables events instead of stopping the
// server.
func newEventPublisher(store *alpaca.Store, number int, logger log.FieldLogger) (picamera.EventPublisher, func()) {
	cfg, err := store.GetConfig()
	if err != nil || !cfg.MQTT.Enabled {
		return nil, func() {}
	}

	publisher, err := picamera.NewMQTTPublisher(cfg.MQTT, number, logger)
	if err != nil {
		logger.Warnf("Exposure events disabled: %v", err)
		return nil, func() {}
	}
	logger.Infof("Publishing exposure events to %s", cfg.MQTT.Host)
	return publisher, publisher.Close
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Raspberry Pi Camera Alpaca Server")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	catalog, err := sensor.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("failed to load sensor catalog: %v", err)
	}

	engine := simulator.New(c.String("camera-model"), log.StandardLogger())
	cam, profile, err := detectCamera(engine, catalog)
	if err != nil {
		return err
	}
	log.Infof("Detected %s camera at %s", profile.Name, cam.ID)

	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := alpaca.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	cameraLogger := log.WithField("device", "camera")
	events, closeEvents := newEventPublisher(store, 0, cameraLogger)
	defer closeEvents()

	camera, err := picamera.NewDriver(0, cam, profile, engine, db, tmpl, events, cameraLogger)
	if err != nil {
		return fmt.Errorf("failed to create camera driver: %v", err)
	}
	defer camera.Close()

	serverDesc := alpaca.ServerDescription{
		Name:                "Raspberry Pi Camera Alpaca Server",
		Manufacturer:        "rpicam-alpaca",
		ManufacturerVersion: version,
	}

	devices := []alpaca.Device{
		camera,
	}
	server := alpaca.NewServer(serverDesc, devices, store, tmpl, log.WithField("component", "server"))

	mux := server.AddRoutes()

	srv := &http.Server{
		Addr:    net.JoinHostPort(c.String("bind"), strconv.Itoa(c.Int("port"))),
		Handler: mux,
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	if c.Bool("discovery") {
		discoveryLogger := log.WithField("component", "discovery")
		dr, err := alpaca.NewDiscoveryResponder(c.String("bind"), c.Int("discovery-port"), c.Int("port"), discoveryLogger)
		if err != nil {
			return fmt.Errorf("failed to create discovery responder: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				discoveryLogger.Errorf("Discovery responder failed: %v", err)
			}
			discoveryLogger.Debug("Discovery responder stopped")
		}()
	}

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:    "rpicam-alpaca",
		Usage:   "ASCOM Alpaca camera server for Raspberry Pi camera modules",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "Address to listen on",
				Value:   "0.0.0.0",
				EnvVars: []string{"ALPACA_BIND"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Settings database file",
				Value:   "alpaca.db",
				EnvVars: []string{"ALPACA_DB"},
			},
			&cli.BoolFlag{
				Name:    "discovery",
				Usage:   "Answer Alpaca discovery requests",
				Value:   true,
				EnvVars: []string{"ALPACA_DISCOVERY"},
			},
			&cli.IntFlag{
				Name:    "discovery-port",
				Usage:   "UDP port for Alpaca discovery",
				Value:   alpaca.DefaultDiscoveryPort,
				EnvVars: []string{"ALPACA_DISCOVERY_PORT"},
			},
			&cli.StringFlag{
				Name:    "camera-model",
				Usage:   "Sensor model reported by the simulated camera",
				Value:   "imx477",
				EnvVars: []string{"CAMERA_MODEL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
