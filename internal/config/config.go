// Package config loads the lane configuration from a flat key/value
// file (section.key=value lines) with environment overrides. The file
// is read once at startup; invalid values are fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of runtime options.
type Config struct {
	// [gate]
	ControlMode      string // auto | gpio | serial | simulation
	SerialPort       string
	BaudRate         int
	SerialDialect    string // out | openclose
	SerialTimeout    time.Duration
	AutoCloseTimeout time.Duration // 0 disables auto-close

	// [gpio]
	GatePin       int
	ActiveHigh    bool
	PulseDuration time.Duration
	PowerPin      int
	BusyPin       int
	LivePin       int

	// [scanner]
	ScannerDevice   string // evdev path; empty = read stdin
	ScannerMin      int
	ScannerMax      int
	ScannerTimeout  time.Duration
	ScannerCooldown time.Duration

	// [camera]
	PlateCamHost     string
	PlateCamUser     string
	PlateCamPass     string
	PlateCamBrand    string
	PlateCamPath     string
	CameraTimeout    time.Duration
	DriverCamEnabled bool
	DriverCamHost    string // empty with enabled=true means local device
	DriverCamUser    string
	DriverCamPass    string
	DriverCamBrand   string
	DriverCamPath    string
	DriverCamDevice  int // /dev/video index for the local backend

	// [database]
	LocalDB       string
	RemoteURL     string
	DBUsername    string
	DBPassword    string
	FullScanLimit int

	// [members]
	MemberCacheSize int

	// [system]
	OperatorID string
	GateID     string
	ShiftID    string
	DebugMode  bool

	// [audio]
	AudioEnabled bool
	AudioCommand string
	AudioDir     string

	// [bus]
	AMQPURL string

	// [audit]
	AuditDBPath string

	// Tariff table by vehicle class (tariff.<class>=<amount>).
	Tariffs map[int]int
}

// Load reads path (when it exists) and applies EXITGATE_* environment
// overrides. A missing file is fine since everything has a default; a
// malformed file or value is not.
func Load(path string) (Config, error) {
	file := map[string]string{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			m, err := godotenv.Read(path)
			if err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			file = m
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	l := loader{file: file}

	cfg := Config{
		ControlMode:      l.str("gate.control_mode", "auto"),
		SerialPort:       l.str("gate.serial_port", "/dev/ttyUSB0"),
		BaudRate:         l.num("gate.baud_rate", 9600),
		SerialDialect:    l.str("gate.serial_dialect", "out"),
		SerialTimeout:    l.dur("gate.timeout", time.Second),
		AutoCloseTimeout: time.Duration(l.num("gate.auto_close_timeout", 10)) * time.Second,

		GatePin:       l.num("gpio.gate_pin", 24),
		ActiveHigh:    l.boolean("gpio.active_high", true),
		PulseDuration: l.dur("gpio.pulse_duration", 0),
		PowerPin:      l.num("gpio.power_pin", 0),
		BusyPin:       l.num("gpio.busy_pin", 0),
		LivePin:       l.num("gpio.live_pin", 0),

		ScannerDevice:   l.str("scanner.device", ""),
		ScannerMin:      l.num("scanner.min_length", 6),
		ScannerMax:      l.num("scanner.max_length", 20),
		ScannerTimeout:  l.dur("scanner.timeout", 100*time.Millisecond),
		ScannerCooldown: l.dur("scanner.cooldown_time", 500*time.Millisecond),

		PlateCamHost:     l.str("camera.plate_ip", ""),
		PlateCamUser:     l.str("camera.plate_username", ""),
		PlateCamPass:     l.str("camera.plate_password", ""),
		PlateCamBrand:    l.str("camera.plate_brand", "hikvision"),
		PlateCamPath:     l.str("camera.plate_path", ""),
		CameraTimeout:    l.dur("camera.timeout", 5*time.Second),
		DriverCamEnabled: l.boolean("camera.driver_camera_enabled", false),
		DriverCamHost:    l.str("camera.driver_ip", ""),
		DriverCamUser:    l.str("camera.driver_username", ""),
		DriverCamPass:    l.str("camera.driver_password", ""),
		DriverCamBrand:   l.str("camera.driver_brand", "hikvision"),
		DriverCamPath:    l.str("camera.driver_path", ""),
		DriverCamDevice:  l.num("camera.driver_device", 0),

		LocalDB:       l.str("database.local_db", "transactions"),
		RemoteURL:     l.str("database.remote_url", "http://localhost:5984/"),
		DBUsername:    l.str("database.username", ""),
		DBPassword:    l.str("database.password", ""),
		FullScanLimit: l.num("database.full_scan_limit", 1000),

		MemberCacheSize: l.num("members.cache_size", 1024),

		OperatorID: l.str("system.operator_id", "op-unknown"),
		GateID:     l.str("system.gate_id", "exit-1"),
		ShiftID:    l.str("system.shift_id", ""),
		DebugMode:  l.boolean("system.debug_mode", false),

		AudioEnabled: l.boolean("audio.enabled", true),
		AudioCommand: l.str("audio.command", "aplay"),
		AudioDir:     l.str("audio.dir", "./sounds"),

		AMQPURL: l.str("bus.amqp_url", ""),

		AuditDBPath: l.str("audit.db_path", "./data/exitgate-audit.db"),

		Tariffs: l.tariffs(),
	}

	if l.err != nil {
		return Config{}, l.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.ControlMode {
	case "auto", "gpio", "serial", "simulation":
	default:
		return fmt.Errorf("gate.control_mode: unknown mode %q", c.ControlMode)
	}
	switch c.SerialDialect {
	case "out", "openclose":
	default:
		return fmt.Errorf("gate.serial_dialect: unknown dialect %q", c.SerialDialect)
	}
	if c.ScannerMin <= 0 || c.ScannerMax < c.ScannerMin {
		return fmt.Errorf("scanner length bounds invalid: min=%d max=%d", c.ScannerMin, c.ScannerMax)
	}
	if c.FullScanLimit < 0 {
		return fmt.Errorf("database.full_scan_limit must be >= 0")
	}
	return nil
}

// loader resolves each key as env override first, then file, then
// default, and accumulates the first parse error.
type loader struct {
	file map[string]string
	err  error
}

// envKey maps "gate.control_mode" to "EXITGATE_GATE_CONTROL_MODE".
func envKey(key string) string {
	return "EXITGATE_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func (l *loader) raw(key string) (string, bool) {
	if v, ok := os.LookupEnv(envKey(key)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v, ok := l.file[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func (l *loader) str(key, def string) string {
	if v, ok := l.raw(key); ok {
		return v
	}
	return def
}

func (l *loader) num(key string, def int) int {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return n
}

func (l *loader) boolean(key string, def bool) bool {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return b
}

// dur accepts Go duration strings ("500ms", "10s") and bare numbers,
// which are read as seconds.
func (l *loader) dur(key string, def time.Duration) time.Duration {
	v, ok := l.raw(key)
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return def
	}
	return d
}

func (l *loader) tariffs() map[int]int {
	out := map[int]int{}
	for k, v := range l.file {
		if !strings.HasPrefix(k, "tariff.") {
			continue
		}
		class, err := strconv.Atoi(strings.TrimPrefix(k, "tariff."))
		if err != nil {
			l.fail(k, k, err)
			continue
		}
		amount, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || amount < 0 {
			l.fail(k, v, fmt.Errorf("tariff must be a nonnegative integer"))
			continue
		}
		out[class] = amount
	}
	return out
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("config %s=%q: %v", key, value, err)
	}
}
