// Package cmd implements the visionsync command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/visiongw/vision-usb-gateway/config"
	vsync "github.com/visiongw/vision-usb-gateway/sync"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	verbose    bool
}

func (o *globalOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", config.DefaultPath, "path to the gateway configuration file")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output to the console")
}

// load reads the configuration and sets up logging.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	vsync.InitLogger(cfg.LogDir, o.verbose)
	return cfg, nil
}

// Execute runs the main CLI process.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := New().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "visionsync:", err)
		stop()
		os.Exit(1)
	}
}

// New creates the root command. Run without a subcommand it performs one
// sync pass.
func New() *cobra.Command {
	var (
		global  globalOptions
		device  string
		offline bool
	)

	root := &cobra.Command{
		Use:   "visionsync",
		Short: "Archive stable files from the camera's USB storage",
		Long: "Snapshots the device the camera is writing to, mounts the snapshot read-only " +
			"and copies every file that has stopped changing into the content-addressed mirror.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,

		// Execute prints the error, so errors are silenced here to avoid
		// double printing.
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			return runPass(cmd.Context(), cfg, vsync.Options{DeviceOverride: device, Offline: offline})
		},
	}
	global.addFlags(root.PersistentFlags())
	root.Flags().StringVar(&device, "dev", "", "mount this device directly instead of snapshotting the active one")
	root.Flags().BoolVar(&offline, "offline", false, "skip settings backup and preseed")

	root.AddCommand(newStatusCommand(&global))
	return root
}

func runPass(ctx context.Context, cfg *config.Config, opts vsync.Options) error {
	db, err := vsync.OpenDB(cfg.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = vsync.NewPass(cfg, vsync.NewStore(db), vsync.Deps{}).Run(ctx, opts)
	return err
}
