package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"nuha.dev/gpsagent/internal/agent"
	"nuha.dev/gpsagent/internal/config"
)

var exit = os.Exit

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "gpsagent",
	Short: "GPS tracking agent",
	Long: `gpsagent samples the device position, uploads it to the tracking
backend and shows the latest positions of the other members of a group.

Settings come from gpsagent.yaml, a .env file, GPSAGENT_* environment
variables and the flags below, in increasing priority.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./gpsagent.yaml)")
	pf.String("host", "", "tracking backend host")
	pf.String("backend-scheme", "", "backend URL scheme, http or https")
	pf.String("store-driver", "", "session store: sqlite, postgres or memory")
	pf.String("store-path", "", "sqlite session store file")
	pf.String("locator", "", "position source: gpsd or static")
	pf.String("log-level", "", "trace, debug, info, warn or error")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	bindFlags(pf)

	rootCmd.AddCommand(serveCmd, tuiCmd, loginCmd, logoutCmd, statusCmd, rosterCmd)
}

// bindFlags maps every flag except --config onto the config key of the same
// name with dashes turned into underscores.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := flagKey(f.Name)
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	})
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// setup loads the configuration, installs the loggers and builds the agent.
// The returned func releases everything.
func setup(toFile bool) (*agent.Agent, func(), error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	zl, closer := agent.SetupLogging(cfg, toFile)
	if src := config.Source(v); src != "" {
		log.Debug().Str("config", src).Msg("using config file")
	}
	a, err := agent.New(cfg, zl)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("error closing agent")
		}
		closer.Close()
	}, nil
}
