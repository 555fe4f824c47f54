package cmd

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmbackup/utils"
)

const backupPollInterval = time.Second

var backupCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run and inspect domain backup jobs",
	}

	begin := &cobra.Command{
		Use:   "begin [flags] DOMAIN [FILE]",
		Short: "Start a backup from a <domainbackup> document (push of every disk when omitted)",
		Args:  cobra.RangeArgs(1, 2), //nolint:mnd
		RunE:  runBackupBegin,
	}
	begin.Flags().String("checkpoint", "", "<domaincheckpoint> document to create together with the backup")
	begin.Flags().Bool("wait", false, "wait until the job finishes")
	begin.Flags().Duration("timeout", 24*time.Hour, "give up waiting after this long") //nolint:mnd

	end := &cobra.Command{
		Use:   "end [flags] DOMAIN",
		Short: "Stop the backup job, cancelling unfinished disks",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupEnd,
	}
	end.Flags().Int("id", 0, "backup job id (0 for the active job)")

	dump := &cobra.Command{
		Use:   "dumpxml [flags] DOMAIN",
		Short: "Print the <domainbackup> document of the active job",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupDumpXML,
	}
	dump.Flags().Int("id", 0, "backup job id (0 for the active job)")

	cmd.AddCommand(begin, end, dump)
	return cmd
}()

func runBackupBegin(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.backup")

	backupXML := "<domainbackup/>"
	if len(args) > 1 {
		doc, err := readDocument(args[1])
		if err != nil {
			return err
		}
		backupXML = doc
	}
	var checkpointXML string
	if path, _ := cmd.Flags().GetString("checkpoint"); path != "" {
		doc, err := readDocument(path)
		if err != nil {
			return err
		}
		checkpointXML = doc
	}

	hyper := initClient()
	defer hyper.Close() //nolint:errcheck
	id, err := hyper.BackupBegin(ctx, args[0], backupXML, checkpointXML)
	if err != nil {
		return fmt.Errorf("backup begin: %w", err)
	}
	logger.Infof(ctx, "backup job %d of %s started", id, args[0])

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return nil
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	start := time.Now()
	if err := utils.WaitFor(ctx, timeout, backupPollInterval, func() (bool, error) {
		info, err := hyper.Inspect(ctx, args[0])
		if err != nil {
			return false, err
		}
		return info.Backup == nil || info.Backup.ID != id, nil
	}); err != nil {
		return fmt.Errorf("wait for backup job %d: %w", id, err)
	}
	logger.Infof(ctx, "backup job %d of %s finished after %s", id, args[0], units.HumanDuration(time.Since(start)))
	return nil
}

func runBackupEnd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	id, _ := cmd.Flags().GetInt("id")
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	if err := hyper.BackupEnd(ctx, args[0], id); err != nil {
		return fmt.Errorf("backup end: %w", err)
	}
	log.WithFunc("cmd.backup").Infof(ctx, "backup job of %s stopped", args[0])
	return nil
}

func runBackupDumpXML(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	id, _ := cmd.Flags().GetInt("id")
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	doc, err := hyper.BackupGetXMLDesc(ctx, args[0], id)
	if err != nil {
		return fmt.Errorf("backup dumpxml: %w", err)
	}
	printXML(doc)
	return nil
}
