package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/moment"
)

var checkpointCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"chk"},
		Short:   "Manage domain checkpoints",
	}

	create := &cobra.Command{
		Use:   "create DOMAIN [FILE]",
		Short: "Create a checkpoint of every disk, or as described by a <domaincheckpoint> document",
		Args:  cobra.RangeArgs(1, 2), //nolint:mnd
		RunE:  runCheckpointCreate,
	}

	redefine := &cobra.Command{
		Use:   "redefine DOMAIN FILE",
		Short: "Restore checkpoint metadata from a document printed by dumpxml",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runCheckpointRedefine,
	}

	del := &cobra.Command{
		Use:     "delete [flags] DOMAIN NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a checkpoint, merging its bitmaps into the parent",
		Args:    cobra.ExactArgs(2), //nolint:mnd
		RunE:    runCheckpointDelete,
	}
	del.Flags().Bool("children", false, "also delete every descendant")
	del.Flags().Bool("children-only", false, "delete the descendants but keep the checkpoint")
	del.Flags().Bool("metadata-only", false, "forget the metadata, leave bitmaps untouched")

	list := &cobra.Command{
		Use:     "list [flags] DOMAIN",
		Aliases: []string{"ls"},
		Short:   "List checkpoint names",
		Args:    cobra.ExactArgs(1),
		RunE:    runCheckpointList,
	}
	list.Flags().String("from", "", "list the children of this checkpoint")
	list.Flags().Bool("roots", false, "only checkpoints without a parent")
	list.Flags().Bool("descendants", false, "with --from, the whole subtree")
	list.Flags().Bool("leaves", false, "only checkpoints without children")
	list.Flags().Bool("no-leaves", false, "only checkpoints with children")

	dump := &cobra.Command{
		Use:   "dumpxml [flags] DOMAIN NAME",
		Short: "Print the <domaincheckpoint> document",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runCheckpointDumpXML,
	}
	dump.Flags().Bool("size", false, "measure the data changed since the checkpoint (running domain)")
	dump.Flags().Bool("no-domain", false, "omit the domain snapshot")

	parent := &cobra.Command{
		Use:   "parent DOMAIN NAME",
		Short: "Print the parent of a checkpoint",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runCheckpointParent,
	}

	cmd.AddCommand(create, redefine, del, list, dump, parent)
	return cmd
}()

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	doc := "<domaincheckpoint/>"
	if len(args) > 1 {
		var err error
		if doc, err = readDocument(args[1]); err != nil {
			return err
		}
	}
	return createCheckpoint(cmd, args[0], doc, false)
}

func runCheckpointRedefine(cmd *cobra.Command, args []string) error {
	doc, err := readDocument(args[1])
	if err != nil {
		return err
	}
	return createCheckpoint(cmd, args[0], doc, true)
}

func createCheckpoint(cmd *cobra.Command, ref, doc string, redefine bool) error {
	ctx := commandContext(cmd)
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	name, err := hyper.CheckpointCreate(ctx, ref, doc, redefine)
	if err != nil {
		return fmt.Errorf("checkpoint create: %w", err)
	}
	verb := "created"
	if redefine {
		verb = "redefined"
	}
	log.WithFunc("cmd.checkpoint").Infof(ctx, "checkpoint %s of %s %s", name, ref, verb)
	fmt.Println(name)
	return nil
}

func runCheckpointDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	var flags checkpoint.DeleteFlags
	if v, _ := cmd.Flags().GetBool("children"); v {
		flags |= checkpoint.DeleteChildren
	}
	if v, _ := cmd.Flags().GetBool("children-only"); v {
		flags |= checkpoint.DeleteChildrenOnly
	}
	if v, _ := cmd.Flags().GetBool("metadata-only"); v {
		flags |= checkpoint.DeleteMetadataOnly
	}
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	if err := hyper.CheckpointDelete(ctx, args[0], args[1], flags); err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	log.WithFunc("cmd.checkpoint").Infof(ctx, "checkpoint %s of %s deleted", args[1], args[0])
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	from, _ := cmd.Flags().GetString("from")
	var filter moment.Filter
	for flag, bit := range map[string]moment.Filter{
		"roots":       moment.ListRoots,
		"descendants": moment.ListDescendants,
		"leaves":      moment.ListLeaves,
		"no-leaves":   moment.ListNoLeaves,
	} {
		if v, _ := cmd.Flags().GetBool(flag); v {
			filter |= bit
		}
	}
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	names, err := hyper.CheckpointList(ctx, args[0], from, filter)
	if err != nil {
		return fmt.Errorf("checkpoint list: %w", err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runCheckpointDumpXML(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	var flags checkpoint.FormatFlags
	if v, _ := cmd.Flags().GetBool("size"); v {
		flags |= checkpoint.FormatSize
	}
	if v, _ := cmd.Flags().GetBool("no-domain"); v {
		flags |= checkpoint.FormatNoDomain
	}
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	doc, err := hyper.CheckpointGetXMLDesc(ctx, args[0], args[1], flags)
	if err != nil {
		return fmt.Errorf("checkpoint dumpxml: %w", err)
	}
	printXML(doc)
	return nil
}

func runCheckpointParent(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	parent, err := hyper.CheckpointParent(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("checkpoint parent: %w", err)
	}
	fmt.Println(parent)
	return nil
}
