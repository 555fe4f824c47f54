package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmbackup/api"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/hypervisor/qemu"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// initEngine builds the local QEMU engine. Only the daemon owns it.
func initEngine() (*qemu.Driver, error) {
	d, err := qemu.New(conf, qemu.Deps{})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return d, nil
}

// initClient connects to the daemon.
func initClient() hypervisor.Hypervisor {
	return api.NewClient(conf.APISocket())
}

// readDocument reads an XML document from path, or from stdin for "-".
func readDocument(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printXML(doc string) {
	fmt.Print(doc)
	if len(doc) > 0 && doc[len(doc)-1] != '\n' {
		fmt.Println()
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}
