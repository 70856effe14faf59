package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garasindo/exitgate/internal/actuator"
	"github.com/garasindo/exitgate/internal/auditlog"
	"github.com/garasindo/exitgate/internal/bus"
	"github.com/garasindo/exitgate/internal/camera"
	"github.com/garasindo/exitgate/internal/config"
	"github.com/garasindo/exitgate/internal/db"
	"github.com/garasindo/exitgate/internal/exitgate/fee"
	"github.com/garasindo/exitgate/internal/exitgate/service"
	"github.com/garasindo/exitgate/internal/exitgate/store"
	"github.com/garasindo/exitgate/internal/exitgate/store/couch"
	"github.com/garasindo/exitgate/internal/exitgate/store/membercache"
	"github.com/garasindo/exitgate/internal/exitgate/store/memory"
	"github.com/garasindo/exitgate/internal/scanner"
)

// Exit codes. 2 marks "configured hardware missing" so process
// supervisors can tell a wiring problem from a crash.
const (
	exitFatal    = 1
	exitHardware = 2
)

const statsInterval = time.Minute

func main() {
	configPath := flag.String("config", "./exitgate.conf", "path to the lane config file")
	flag.Parse()

	logger := log.New(os.Stdout, "exitgate ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("config: %v", err)
		os.Exit(exitFatal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audit log (sqlite). Losing this is fatal: without the local trail
	// the lane cannot be reconciled after the fact.
	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.AuditDBPath})
	if err != nil {
		logger.Printf("audit db: %v", err)
		os.Exit(exitFatal)
	}
	defer sqlDB.Close()
	writer := db.NewWorker(sqlDB)
	defer writer.Close()

	// Transaction store. The document store is preferred; when it is
	// unreachable at boot the lane comes up on the in-memory fallback so
	// debug mode and manual operation still work.
	members := membercache.New(cfg.MemberCacheSize)
	txns := openStore(ctx, cfg, members, logger)

	// Boom gate hardware.
	driver, err := actuator.Select(ctx, actuator.Config{
		Mode:          cfg.ControlMode,
		SerialPort:    cfg.SerialPort,
		BaudRate:      cfg.BaudRate,
		Dialect:       cfg.SerialDialect,
		WriteTimeout:  cfg.SerialTimeout,
		GatePin:       cfg.GatePin,
		ActiveHigh:    cfg.ActiveHigh,
		PulseDuration: cfg.PulseDuration,
		PowerPin:      cfg.PowerPin,
		BusyPin:       cfg.BusyPin,
		LivePin:       cfg.LivePin,
	}, logger)
	if err != nil {
		logger.Printf("actuator: %s backend unavailable: %v", cfg.ControlMode, err)
		os.Exit(exitHardware)
	}

	eventBus := bus.New(logger)

	gate := service.NewGate(driver, eventBus, service.GateConfig{
		AutoClose: cfg.AutoCloseTimeout,
	}, logger)

	plateCam, driverCam := openCameras(cfg, logger)
	if lc, ok := driverCam.(*camera.Local); ok {
		defer lc.Close()
	}

	controller := service.NewController(
		txns, members, fee.New(cfg.Tariffs), gate, eventBus,
		plateCam, driverCam,
		service.ControllerConfig{
			GateID:        cfg.GateID,
			OperatorID:    cfg.OperatorID,
			ShiftID:       cfg.ShiftID,
			DebugMode:     cfg.DebugMode,
			AutoClose:     cfg.AutoCloseTimeout,
			CameraTimeout: cfg.CameraTimeout,
		}, logger)

	// Bus consumers run on the background context and drain until the
	// bus closes, so queued events survive the signal.
	sink := auditlog.NewSink(writer, logger)
	go sink.Run(context.Background(), eventBus.Subscribe("auditlog", 256))

	cues := service.NewAudioCues(audioPlayer(cfg, logger))
	go cues.Run(context.Background(), eventBus.Subscribe("audio", 64))

	if cfg.AMQPURL != "" {
		bridge := bus.NewBridge(cfg.AMQPURL, logger)
		go bridge.Run(context.Background(), eventBus.Subscribe("amqp", 256))
	}

	// Scanner input.
	src, err := openScanner(cfg, logger)
	if err != nil {
		logger.Printf("scanner: %s: %v", cfg.ScannerDevice, err)
		os.Exit(exitHardware)
	}

	go controller.Run(ctx, src.Events())

	go func() {
		controller.PublishStats(ctx)
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				controller.PublishStats(ctx)
			}
		}
	}()

	logger.Printf("lane %s up: gate=%s store=%s operator=%s debug=%v",
		cfg.GateID, driver.Name(), storeName(txns), cfg.OperatorID, cfg.DebugMode)

	<-ctx.Done()

	// Shutdown: stop intake, park the gate, then let the consumers
	// drain before the database goes away.
	src.Stop()
	gate.Shutdown()
	eventBus.Close()

	done := make(chan struct{})
	go func() {
		sink.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Printf("shutdown: audit sink did not drain in time")
	}
}

// openStore connects to the document store, falling back to memory when
// it is unreachable. View init failures are logged, not fatal; the
// direct-id lookup paths work without views.
func openStore(ctx context.Context, cfg config.Config, members *membercache.Cache, logger *log.Logger) store.TransactionStore {
	cs, err := couch.New(ctx, couch.Config{
		URL:           cfg.RemoteURL,
		Username:      cfg.DBUsername,
		Password:      cfg.DBPassword,
		Database:      cfg.LocalDB,
		FullScanLimit: cfg.FullScanLimit,
	}, members, logger)
	if err != nil {
		logger.Printf("store: document store unavailable, using memory fallback: %v", err)
		return memory.New(members)
	}

	if err := cs.EnsureViews(ctx); err != nil {
		logger.Printf("store: view init: %v", err)
	}
	if n, err := cs.PreloadMembers(ctx); err != nil {
		logger.Printf("store: member preload: %v", err)
	} else {
		logger.Printf("store: preloaded %d members", n)
	}
	return cs
}

func storeName(s store.TransactionStore) string {
	if _, ok := s.(*memory.Store); ok {
		return "memory"
	}
	return "couch"
}

// openCameras builds the configured capture clients. A camera that
// fails to initialize degrades to "no snapshot"; it never blocks boot.
func openCameras(cfg config.Config, logger *log.Logger) (plate, driver camera.Camera) {
	if cfg.PlateCamHost != "" {
		c, err := camera.NewHTTP(camera.HTTPConfig{
			Name:     "plate",
			Host:     cfg.PlateCamHost,
			Username: cfg.PlateCamUser,
			Password: cfg.PlateCamPass,
			Brand:    cfg.PlateCamBrand,
			Path:     cfg.PlateCamPath,
			Timeout:  cfg.CameraTimeout,
		}, logger)
		if err != nil {
			logger.Printf("camera: plate: %v", err)
		} else {
			plate = c
		}
	}

	if !cfg.DriverCamEnabled {
		return plate, nil
	}
	if cfg.DriverCamHost != "" {
		c, err := camera.NewHTTP(camera.HTTPConfig{
			Name:     "driver",
			Host:     cfg.DriverCamHost,
			Username: cfg.DriverCamUser,
			Password: cfg.DriverCamPass,
			Brand:    cfg.DriverCamBrand,
			Path:     cfg.DriverCamPath,
			Timeout:  cfg.CameraTimeout,
		}, logger)
		if err != nil {
			logger.Printf("camera: driver: %v", err)
		} else {
			driver = c
		}
		return plate, driver
	}
	c, err := camera.NewLocal("driver", cfg.DriverCamDevice, logger)
	if err != nil {
		if errors.Is(err, camera.ErrNoBackend) {
			logger.Printf("camera: driver: /dev/video%d not present", cfg.DriverCamDevice)
		} else {
			logger.Printf("camera: driver: %v", err)
		}
		return plate, nil
	}
	return plate, c
}

// openScanner picks the HID device when configured, else line input on
// stdin (handy on a bench, and what the systemd unit pipes a fifo to).
func openScanner(cfg config.Config, logger *log.Logger) (scanner.Source, error) {
	sc := scanner.Config{
		MinLength:        cfg.ScannerMin,
		MaxLength:        cfg.ScannerMax,
		InterCharTimeout: cfg.ScannerTimeout,
		Cooldown:         cfg.ScannerCooldown,
	}
	if cfg.ScannerDevice != "" {
		return scanner.NewEvdev(cfg.ScannerDevice, sc, logger)
	}
	return scanner.NewReader(os.Stdin, sc, logger), nil
}

func audioPlayer(cfg config.Config, logger *log.Logger) service.CuePlayer {
	if !cfg.AudioEnabled {
		return service.NopPlayer{}
	}
	return &service.ExecPlayer{Command: cfg.AudioCommand, Dir: cfg.AudioDir, Logger: logger}
}
