package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/Tamaarine/CSE306-Assignment/datarecording"
	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/handshake"
	"github.com/Tamaarine/CSE306-Assignment/monitoring"
	"github.com/Tamaarine/CSE306-Assignment/region"
	"github.com/Tamaarine/CSE306-Assignment/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run [listen-port peer-port]",
	Short: "Connect to the peer and share a region with it.",
	Long: `Run listens on one port and dials the peer on another. Once both ` +
		`processes are up, the first one asks how many pages to share and ` +
		`both enter an interactive loop that reads, writes, and lists the ` +
		`pages.

Every flag can also be set with an S2DSM_ variable, either in the ` +
		`environment or in a .env file, for example S2DSM_PEER_HOST.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("you will need to specify 2 arguments, got %d",
				len(args))
		}

		return nil
	},
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadDotEnv(); err != nil {
			return err
		}

		return applyEnv(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig(cmd.Flags(), args)
		if err != nil {
			return err
		}

		return runNode(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.Int("listen", 0, "The port to accept the peer on.")
	flags.Int("peer", 0, "The port the peer listens on.")
	flags.String("peer-host", "127.0.0.1", "The host the peer runs on.")
	flags.String("backend", "native",
		"How pages are mapped: native uses userfaultfd, sim keeps them in "+
			"process memory.")
	flags.Bool("monitor", false, "Serve the monitoring API.")
	flags.Int("monitor-port", 0,
		"The port of the monitoring API. Ports below 1000 pick a random port.")
	flags.Bool("open-monitor", false,
		"Open the monitoring API in a browser. Implies --monitor.")
	flags.Bool("record", false, "Record node events into a SQLite file.")
	flags.String("record-path", "",
		"The SQLite file to record into. Empty picks a unique name.")
	flags.Duration("fetch-timeout", 5*time.Second,
		"How long to wait for the peer to answer a request. 0 waits forever.")
	flags.Bool("no-invalidate-wait", false,
		"Do not wait for the peer to acknowledge an invalidate.")
	flags.Bool("verbose", false, "Log every fault, transition, and request.")
}

func makeBackend(name string) (region.Backend, error) {
	if name == "sim" {
		return region.NewSimulatedBackend(os.Getpagesize()), nil
	}

	// The handler goroutine must run while another goroutine is stuck in a
	// fault.
	if runtime.GOMAXPROCS(0) < 2 {
		runtime.GOMAXPROCS(2)
	}

	return region.NewNativeBackend()
}

func buildNode(cfg config) (*dsm.Node, error) {
	backend, err := makeBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	b := dsm.MakeBuilder().
		WithListenPort(cfg.ListenPort).
		WithPeerHost(cfg.PeerHost).
		WithPeerPort(cfg.PeerPort).
		WithBackend(backend).
		WithFetchTimeout(cfg.FetchTimeout)

	if cfg.NoInvalidateWait {
		b = b.WithoutInvalidateWait()
	}

	return b.Build(fmt.Sprintf("s2dsm-%d", cfg.ListenPort)), nil
}

// attachObservers wires the optional log, record, and monitor facilities to
// the node. The returned function releases them.
func attachObservers(cfg config, node *dsm.Node) (func(), error) {
	var closers []func()
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Verbose {
		node.AcceptHook(tracing.NewNodeLogger(
			log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)))
	}

	if cfg.Record {
		recorder := datarecording.New(cfg.RecordPath)
		node.AcceptHook(tracing.NewRecorder(recorder))
		closers = append(closers, func() {
			if err := recorder.Close(); err != nil {
				log.Printf("closing recorder: %v", err)
			}
		})
	}

	if cfg.Monitor || cfg.OpenMonitor {
		m := monitoring.NewMonitor().WithPortNumber(cfg.MonitorPort)
		m.RegisterNode(node)

		port, err := m.StartServer()
		if err != nil {
			release()
			return nil, err
		}

		closers = append(closers, func() {
			if err := m.StopServer(); err != nil {
				log.Printf("stopping monitor: %v", err)
			}
		})

		url := fmt.Sprintf("http://localhost:%d/api/nodes", port)
		fmt.Fprintf(os.Stderr, "Monitoring %s at %s\n", node.Name(), url)

		if cfg.OpenMonitor {
			if err := browser.OpenURL(url); err != nil {
				log.Printf("opening browser: %v", err)
			}
		}
	}

	return release, nil
}

func runNode(ctx context.Context, cfg config, in io.Reader, out io.Writer) error {
	node, err := buildNode(cfg)
	if err != nil {
		return err
	}

	release, err := attachObservers(cfg, node)
	if err != nil {
		return err
	}
	defer release()

	fmt.Fprintf(out, "Listening on port %d sending on port %d\n",
		cfg.ListenPort, cfg.PeerPort)

	if err := node.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Printf("closing node: %v", err)
		}
	}()

	peer, _ := node.Peer()
	fmt.Fprintf(out, "Current pid: %d other pid: %d\n", os.Getpid(), peer.PID)

	c := newConsole(in, out)

	handle, err := openRegion(ctx, node, c)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "-----------------------------------------------------")
	fmt.Fprintf(out, "%s process\nmmap_address: %#x size: %d\n",
		roleTitle(node.Role()), handle.Addr, handle.PageCount*handle.PageSize)

	c.attach(node, handle.PageCount, handle.PageSize)

	return runConsole(ctx, c, node)
}

func openRegion(
	ctx context.Context,
	node *dsm.Node,
	c *console,
) (dsm.RegionHandle, error) {
	if node.Role() == handshake.RoleFirst {
		pages, err := c.askPageCount()
		if err != nil {
			return dsm.RegionHandle{}, err
		}

		return node.AllocateRegion(ctx, pages)
	}

	return node.AwaitRegion(ctx)
}

func roleTitle(r handshake.Role) string {
	if r == handshake.RoleFirst {
		return "First"
	}

	return "Second"
}

// runConsole runs the console until the input ends or the node stops. An
// interrupt ends it without an error.
func runConsole(ctx context.Context, c *console, node *dsm.Node) error {
	done := make(chan error, 1)

	go func() {
		done <- c.run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-node.Done():
		return node.Err()
	case <-ctx.Done():
		return nil
	}
}
