package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmbackup/api"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the backup engine and serve its API on the unix socket",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.daemon")
	engine, err := initEngine()
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover backup jobs: %w", err)
	}
	logger.Infof(ctx, "engine %s ready, root %s", engine.Type(), conf.RootDir)
	return api.NewServer(engine).Serve(ctx, conf.APISocket())
}
