package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	utilserrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"chargepoint/cmd/chargepoint/options"
	baseoptions "chargepoint/pkg/generic/options"
)

const (
	ComponentChargePoint = "chargepoint"
)

func NewChargePointCmd() *cobra.Command {
	cleanFlagSet := pflag.NewFlagSet(ComponentChargePoint, pflag.ContinueOnError)
	o := options.NewDefaultOptions()
	cmd := &cobra.Command{
		Use:                ComponentChargePoint,
		Long:               `The chargepoint controller drives the connectors of an EV charging station and talks OCPP 1.6 JSON to its central system.`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// initial flag parse, since we disable cobra's flag parsing
			if err := cleanFlagSet.Parse(args); err != nil {
				klog.ErrorS(err, "Failed to parse flag")
				_ = cmd.Usage()
				os.Exit(1)
			}

			// check if there are non-flag arguments in the command line
			cmds := cleanFlagSet.Args()
			if len(cmds) > 0 {
				klog.ErrorS(nil, "Unknown command", "command", cmds[0])
				_ = cmd.Usage()
				os.Exit(1)
			}

			// short-circuit on help
			baseoptions.PrintHelpAndExitIfRequested(cmd, cleanFlagSet)

			// short-circuit on defaultconfig
			baseoptions.PrintDefaultConfigAndExitIfRequested(options.NewDefaultOptions(), cleanFlagSet)

			if err := baseoptions.ParseAndApplyConfigFile(o, args); err != nil {
				return err
			}

			if errs := options.Validate(o); len(errs) != 0 {
				return utilserrors.NewAggregate(errs)
			}

			klog.InfoS("Starting charge point", "identity", o.Station.Identity, "centralSystem", o.CentralSystem.URL,
				"connectors", len(o.Connectors))
			return run(o)
		},
	}

	o.AddFlags(cleanFlagSet)
	o.AddBaseFlags(cmd, cleanFlagSet)

	return cmd
}

func run(o *options.Options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := o.Config(ctx)
	if err != nil {
		return err
	}
	defer c.Bus.Close()

	exit, err := c.Web.Serve()
	if err != nil {
		return err
	}
	klog.V(1).InfoS("Server started", "port", o.Port)

	done := make(chan error, 1)
	go func() {
		done <- c.Station.Run(ctx)
	}()

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-exitCh:
		klog.V(1).InfoS("Shutting down", "signal", sig)
	case runErr = <-done:
		klog.ErrorS(runErr, "Station stopped unexpectedly")
		done <- runErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.Wait.Duration)
	defer shutdownCancel()
	exit(shutdownCtx)
	cancel()

	select {
	case err := <-done:
		return err
	case <-shutdownCtx.Done():
		klog.ErrorS(shutdownCtx.Err(), "Station did not stop in time")
		return runErr
	}
}
