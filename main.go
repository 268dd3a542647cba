package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwv/tudolapse/stabilize"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(NewApp()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree around a
func newRootCmd(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "tudolapse",
		Short: "tudolapse aligns timelapse frames to a reference",
		Long: `tudolapse stabilizes timelapse photos. Face and body frames are aligned with
a similarity transform on a reference pair (eyes or shoulders); landscape frames
are aligned with a RANSAC homography over matched keypoints.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.ConfigFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.DataDir, "data-dir", ".", "Directory relative paths are resolved against")

	root.AddCommand(newStabilizeCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newRenderCmd(a))
	root.AddCommand(newResultsCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func newStabilizeCmd(a *App) *cobra.Command {
	var (
		mode     string
		workers  int
		overlays bool
	)
	cmd := &cobra.Command{
		Use:   "stabilize <job.json|dir>...",
		Short: "Align frame jobs once and store the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.LoadConfig(); err != nil {
				return err
			}
			if workers > 0 {
				a.Config.Jobs.Workers = workers
			}
			if cmd.Flags().Changed("overlays") {
				a.Config.Output.Overlays = overlays
			}
			if err := a.Setup(nil); err != nil {
				return err
			}
			defer a.Close()

			var m stabilize.Mode
			switch mode {
			case "":
			case string(stabilize.ModeFast), string(stabilize.ModeSlow):
				m = stabilize.Mode(mode)
			default:
				return fmt.Errorf("--mode must be fast or slow, got %q", mode)
			}
			return a.RunStabilize(cmd.Context(), args, m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Override the mode of every job: fast or slow")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent jobs (default from config)")
	cmd.Flags().BoolVar(&overlays, "overlays", true, "Write diagnostic overlays")
	return cmd
}

func newServeCmd(a *App) *cobra.Command {
	var opts ServiceOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job service (MQTT, job directory, HTTP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.LoadConfig(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("http-port") {
				a.HTTPPort = a.Config.HTTP.Port
			}
			if !opts.HTTP && !opts.MQTT && !opts.Watch {
				return fmt.Errorf("enable at least one of --http, --mqtt, --watch")
			}
			defer a.Close()
			return a.RunService(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.HTTP, "http", true, "Serve the HTTP API")
	cmd.Flags().BoolVar(&opts.MQTT, "mqtt", true, "Take jobs from MQTT when a broker is configured")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Take jobs from the job directory")
	cmd.Flags().IntVar(&a.HTTPPort, "http-port", 8080, "HTTP server port")
	return cmd
}

func newRenderCmd(a *App) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "render <frameId>",
		Short: "Render the diagnostic overlay of a stored result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "svg" && format != "png" {
				return fmt.Errorf("--format must be svg or png, got %q", format)
			}
			if err := a.LoadConfig(); err != nil {
				return err
			}
			if err := a.Setup(nil); err != nil {
				return err
			}
			defer a.Close()

			path, err := a.RunRender(args[0], format, output)
			if err != nil {
				return err
			}
			fmt.Printf("Overlay written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "svg", "Overlay format: svg or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <output.dir>/<frameId>.overlay.<format>)")
	return cmd
}

func newResultsCmd(a *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored results and failure counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.LoadConfig(); err != nil {
				return err
			}
			if err := a.Setup(nil); err != nil {
				return err
			}
			defer a.Close()
			return a.RunList(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum results to list")
	return cmd
}

func newConfigCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.LoadConfig(); err != nil {
				return err
			}
			data, err := stabilize.MarshalConfig(a.Config)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.resolve(a.ConfigFile)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := stabilize.SaveConfig(path, stabilize.DefaultConfig()); err != nil {
				return err
			}
			log.Printf("Wrote default config to %s", path)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tudolapse version: %s\n", Version)
		},
	}
}
