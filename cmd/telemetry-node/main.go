package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eugenenazirov/telemetry-node/internal/application"
	"github.com/eugenenazirov/telemetry-node/internal/config"
	"github.com/eugenenazirov/telemetry-node/internal/logging"
)

const brokerConnectTimeout = 30 * time.Second

var signalNotify = signal.Notify

type cliFlags struct {
	configFile     string
	envFile        string
	port           string
	board          string
	brokerAddress  string
	brokerPort     int
	brokerPortSet  bool
	clientID       string
	sensorPin      int
	sensorPinSet   bool
	logLevel       string
	rateLimitRPS   float64
	rateLimitBurst int

	initPath  string
	initForce bool
}

type cli struct {
	app      *kingpin.Application
	flags    *cliFlags
	runCmd   *kingpin.CmdClause
	checkCmd *kingpin.CmdClause
	initCmd  *kingpin.CmdClause
}

func newCLI() *cli {
	f := &cliFlags{}
	app := kingpin.New("telemetry-node", "MQTT temperature telemetry node - loads and validates the device configuration, then publishes readings")
	app.Flag("config", "Path to YAML configuration file").StringVar(&f.configFile)
	app.Flag("env-file", "Path to a .env file (defaults to ./.env when present)").StringVar(&f.envFile)
	app.Flag("http-port", "HTTP port exposed by the diagnostics API").StringVar(&f.port)
	app.Flag("board", "Target board (esp32, esp32c3, esp8266)").StringVar(&f.board)
	app.Flag("broker-address", "MQTT broker hostname or IP address").StringVar(&f.brokerAddress)
	app.Flag("broker-port", "MQTT broker port").IsSetByUser(&f.brokerPortSet).IntVar(&f.brokerPort)
	app.Flag("client-id", "MQTT client identifier").StringVar(&f.clientID)
	app.Flag("sensor-pin", "GPIO pin of the one-wire temperature sensor").IsSetByUser(&f.sensorPinSet).IntVar(&f.sensorPin)
	app.Flag("log-level", "Log level (debug, info, warn, error)").StringVar(&f.logLevel)
	app.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64Var(&f.rateLimitRPS)
	app.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").IntVar(&f.rateLimitBurst)

	c := &cli{app: app, flags: f}
	c.runCmd = app.Command("run", "Connect to the broker and serve the diagnostics API").Default()
	c.checkCmd = app.Command("check", "Validate the configuration and print it with credentials redacted")
	c.initCmd = app.Command("init", "Write a configuration file holding the defaults")
	c.initCmd.Arg("path", "Destination of the configuration file").Required().StringVar(&f.initPath)
	c.initCmd.Flag("force", "Overwrite an existing file").BoolVar(&f.initForce)
	return c
}

func (f *cliFlags) overrides() *config.CLIOverrides {
	overrides := &config.CLIOverrides{
		ConfigFile: f.configFile,
		EnvFile:    f.envFile,
	}

	if f.port != "" {
		overrides.Port = &f.port
	}
	if f.board != "" {
		overrides.Board = &f.board
	}
	if f.brokerAddress != "" {
		overrides.BrokerAddress = &f.brokerAddress
	}
	if f.brokerPortSet {
		overrides.BrokerPort = &f.brokerPort
	}
	if f.clientID != "" {
		overrides.ClientID = &f.clientID
	}
	if f.sensorPinSet {
		overrides.SensorPin = &f.sensorPin
	}
	if f.logLevel != "" {
		overrides.LogLevel = &f.logLevel
	}
	if f.rateLimitRPS >= 0 {
		overrides.RateLimitRPS = &f.rateLimitRPS
	}
	if f.rateLimitBurst >= 0 {
		overrides.RateLimitBurst = &f.rateLimitBurst
	}

	return overrides
}

func main() {
	c := newCLI()
	command := kingpin.MustParse(c.app.Parse(os.Args[1:]))

	switch command {
	case c.checkCmd.FullCommand():
		if err := checkConfig(c.flags.overrides(), os.Stdout); err != nil {
			reportConfigError(os.Stderr, err)
			os.Exit(1)
		}
	case c.initCmd.FullCommand():
		if err := initConfig(c.flags.initPath, c.flags.initForce, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
	default:
		serve(c.flags.overrides())
	}
}

func serve(overrides *config.CLIOverrides) {
	store := config.NewStore()
	cfg, err := store.Load(overrides)
	if err != nil {
		reportConfigError(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Runtime.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("configuration loaded", zap.Object("device", cfg.Device))

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerConnectTimeout)
	err = app.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	shutdown(app, cfg.Runtime.ShutdownGracePeriod, logger)
}

func checkConfig(overrides *config.CLIOverrides, out io.Writer) error {
	cfg, err := config.Load(overrides)
	if err != nil {
		return err
	}

	data, err := config.EncodeYAML(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func initConfig(path string, force bool, out io.Writer) error {
	if err := config.WriteDefaults(path, force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "wrote default configuration to %s\n", path)
	return err
}

// reportConfigError prints one line per rejected setting.
func reportConfigError(w io.Writer, err error) {
	errs := multierr.Errors(err)
	fmt.Fprintf(w, "invalid configuration (%d problem(s)):\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(w, "  - %v\n", e)
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdown(target shutdowner, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := target.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
