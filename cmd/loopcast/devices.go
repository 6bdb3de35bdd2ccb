package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/loopcast/internal/config"
	"github.com/MrWong99/loopcast/internal/device"
	"github.com/MrWong99/loopcast/pkg/audio"
)

func newDevicesCmd(opts *options) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List loopback-capable capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, opts.configPath)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Capture.Backend = backend
			}
			reg := config.NewRegistry()
			registerBuiltinBackends(reg)
			b, err := reg.CreateBackend(cfg.Capture)
			if err != nil {
				return err
			}
			defer b.Close()
			return listDevices(cmd.Context(), cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "capture backend to query (overrides capture.backend)")
	return cmd
}

// listDevices prints every loopback device of b. The device a "default"
// selection resolves to is marked with an asterisk.
func listDevices(ctx context.Context, w io.Writer, b audio.Backend) error {
	r := device.NewResolver(b)
	devs, err := r.List(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Fprintf(w, "no loopback-capable devices found on backend %q\n", b.Name())
		return nil
	}

	var defaultID string
	if d, err := r.Resolve(ctx, device.SelectDefault); err == nil {
		defaultID = d.ID
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tINDEX\tNAME\tCHANNELS\tRATE\tID")
	for _, d := range devs {
		mark := ""
		if d.ID == defaultID {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\n", mark, d.Index, d.Name, d.Channels, d.SampleRate, d.ID)
	}
	return tw.Flush()
}
