package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmbackup/types"
)

var domainCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "domain",
		Aliases: []string{"dom"},
		Short:   "Manage the domains known to the daemon",
	}

	define := &cobra.Command{
		Use:   "define [flags] FILE",
		Short: "Define a domain from its <domain> XML (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runDomainDefine,
	}
	define.Flags().String("qmp-socket", "", "QMP monitor socket of the running domain")

	undefine := &cobra.Command{
		Use:   "undefine DOMAIN [DOMAIN...]",
		Short: "Forget domain(s) without checkpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDomainUndefine,
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List domains",
		Args:    cobra.NoArgs,
		RunE:    runDomainList,
	}

	inspect := &cobra.Command{
		Use:   "inspect DOMAIN",
		Short: "Show detailed domain info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  runDomainInspect,
	}

	cmd.AddCommand(define, undefine, list, inspect)
	return cmd
}()

func runDomainDefine(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	doc, err := readDocument(args[0])
	if err != nil {
		return err
	}
	dom, err := types.ParseDomainXML([]byte(doc))
	if err != nil {
		return err
	}
	qmpSocket, _ := cmd.Flags().GetString("qmp-socket")

	hyper := initClient()
	defer hyper.Close() //nolint:errcheck
	info, err := hyper.Define(ctx, dom, qmpSocket)
	if err != nil {
		return fmt.Errorf("define: %w", err)
	}
	log.WithFunc("cmd.define").Infof(ctx, "domain %s defined: %s", info.Name, info.UUID)
	return nil
}

func runDomainUndefine(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.undefine")
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	done, err := hyper.Undefine(ctx, args)
	for _, ref := range done {
		logger.Infof(ctx, "undefined domain: %s", ref)
	}
	if err != nil {
		return fmt.Errorf("undefine: %w", err)
	}
	return nil
}

func runDomainList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	infos, err := hyper.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No domains found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tUUID\tSTATE\tDISKS\tCHECKPOINT\tBACKUP\tCREATED")
	for _, info := range infos {
		current := info.CurrentCheckpoint
		if current == "" {
			current = "-"
		}
		backup := "-"
		if info.Backup != nil {
			backup = fmt.Sprintf("%d (%s)", info.Backup.ID, info.Backup.Mode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			info.Name,
			info.UUID,
			info.State,
			len(info.Disks),
			current,
			backup,
			formatAge(info.CreatedAt),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runDomainInspect(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	hyper := initClient()
	defer hyper.Close() //nolint:errcheck

	info, err := hyper.Inspect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	return printJSON(info)
}
