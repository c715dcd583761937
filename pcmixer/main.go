package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/Joxtacy/pc-audio-mixer/pkg/api"
	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/config"
	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
	"github.com/Joxtacy/pc-audio-mixer/pkg/logging"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mixer"
)

type options struct {
	configPath    string
	port          string
	mock          bool
	listen        string
	logLevel      string
	logFormat     string
	noAutoConnect bool
	noAPI         bool
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:     "pcmixer",
		Short:   "Drive PC audio volumes from a hardware pot mixer",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, &opts)
			if err != nil {
				return err
			}
			return run(cfg, &opts, log)
		},
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config.yaml", "configuration file path")
	flags.BoolVar(&opts.mock, "mock", false, "use the simulated device instead of serial ports")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console or json)")

	root.Flags().StringVarP(&opts.port, "port", "p", "", "serial port override (e.g., COM3 or /dev/ttyACM0)")
	root.Flags().StringVar(&opts.listen, "listen", "", "control API listen address")
	root.Flags().BoolVar(&opts.noAutoConnect, "no-auto-connect", false, "do not connect to the device on startup")
	root.Flags().BoolVar(&opts.noAPI, "no-api", false, "disable the control API")

	root.AddCommand(portsCommand(&opts))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config file and applies flags the user set explicitly.
func setup(cmd *cobra.Command, opts *options) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if changed["port"] {
		cfg.Serial.Port = opts.port
	}
	if changed["listen"] {
		cfg.API.Listen = opts.listen
	}
	if changed["no-auto-connect"] && opts.noAutoConnect {
		cfg.Serial.AutoConnect = false
	}
	if changed["no-api"] && opts.noAPI {
		cfg.API.Enabled = false
	}
	if changed["log-level"] {
		cfg.Log.Level = opts.logLevel
	}
	if changed["log-format"] {
		cfg.Log.Format = opts.logFormat
	}
	if opts.mock && !changed["port"] {
		cfg.Serial.Port = device.MockPortName
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func newOpener(cfg *config.Config, mock bool) device.Opener {
	if mock {
		return device.NewMock(&cfg.Mock, cfg.PhysicalCount(), cfg.Mixer.MaxRaw)
	}
	return device.NewSerial(cfg.Serial.BaudRate)
}

func run(cfg *config.Config, opts *options, log zerolog.Logger) error {
	// No platform audio backend is linked; volumes go to the in-process stub.
	backend := audio.NewStub(audio.DefaultSessions()...)

	log.Info().
		Str("config", opts.configPath).
		Str("store", cfg.Store.Path).
		Bool("mock", opts.mock).
		Bool("api", cfg.API.Enabled).
		Msg("configuration loaded")

	m, err := mixer.New(cfg, newOpener(cfg, opts.mock), backend, log)
	if err != nil {
		return fmt.Errorf("create mixer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errc <- m.Run(ctx)
		stop()
	}()

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Listen, m, logging.Component(log, "api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errc <- fmt.Errorf("control API: %w", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("stopping...")
	wg.Wait()
	close(errc)

	for err := range errc {
		if err != nil {
			log.Error().Err(err).Msg("shutdown")
			return err
		}
	}
	return nil
}

func portsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports, most likely mixer first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			ports, err := newOpener(cfg, opts.mock).Ports()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tUSB\tDESCRIPTION")
			for _, p := range device.Candidates(ports) {
				fmt.Fprintf(tw, "%s\t%v\t%s\n", p.Name, p.IsUSB, p.Description)
			}
			return tw.Flush()
		},
	}
}
