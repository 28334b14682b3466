package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "S2DSM_"

type config struct {
	ListenPort       int
	PeerPort         int
	PeerHost         string
	Backend          string
	Monitor          bool
	MonitorPort      int
	OpenMonitor      bool
	Record           bool
	RecordPath       string
	FetchTimeout     time.Duration
	NoInvalidateWait bool
	Verbose          bool
}

// loadDotEnv reads .env into the environment. A missing file is not an
// error. Variables already set win over the file.
func loadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}

	return nil
}

// envName returns the variable that provides the default of a flag, for
// example S2DSM_PEER_HOST for --peer-host.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnv sets every flag the user did not pass from its environment
// variable, if that is set.
func applyEnv(flags *pflag.FlagSet) error {
	var errs []error

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		value, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}

		if err := flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})

	return errors.Join(errs...)
}

// readConfig collects the flags. Two positional arguments override the
// listen and peer ports.
func readConfig(flags *pflag.FlagSet, args []string) (config, error) {
	var c config
	var err error

	get := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	get(func() (e error) { c.ListenPort, e = flags.GetInt("listen"); return })
	get(func() (e error) { c.PeerPort, e = flags.GetInt("peer"); return })
	get(func() (e error) { c.PeerHost, e = flags.GetString("peer-host"); return })
	get(func() (e error) { c.Backend, e = flags.GetString("backend"); return })
	get(func() (e error) { c.Monitor, e = flags.GetBool("monitor"); return })
	get(func() (e error) { c.MonitorPort, e = flags.GetInt("monitor-port"); return })
	get(func() (e error) { c.OpenMonitor, e = flags.GetBool("open-monitor"); return })
	get(func() (e error) { c.Record, e = flags.GetBool("record"); return })
	get(func() (e error) { c.RecordPath, e = flags.GetString("record-path"); return })
	get(func() (e error) { c.FetchTimeout, e = flags.GetDuration("fetch-timeout"); return })
	get(func() (e error) { c.NoInvalidateWait, e = flags.GetBool("no-invalidate-wait"); return })
	get(func() (e error) { c.Verbose, e = flags.GetBool("verbose"); return })

	if err != nil {
		return c, err
	}

	if len(args) == 2 {
		if c.ListenPort, err = strconv.Atoi(args[0]); err != nil {
			return c, fmt.Errorf("listen port %q: %w", args[0], err)
		}

		if c.PeerPort, err = strconv.Atoi(args[1]); err != nil {
			return c, fmt.Errorf("peer port %q: %w", args[1], err)
		}
	}

	return c, c.validate()
}

func (c config) validate() error {
	for _, port := range []int{c.ListenPort, c.PeerPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("port %d is not in (0, 65535]", port)
		}
	}

	if c.ListenPort == c.PeerPort {
		return errors.New("cannot be listening and sending to the same port")
	}

	switch c.Backend {
	case "native", "sim":
	default:
		return fmt.Errorf("unknown backend %q, want native or sim", c.Backend)
	}

	if c.FetchTimeout < 0 {
		return errors.New("fetch timeout cannot be negative")
	}

	return nil
}
