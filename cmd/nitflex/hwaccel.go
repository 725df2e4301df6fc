package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AdlarX9/nitflex-sub000/internal/adapter/encoder/ffmpeg"
	"github.com/AdlarX9/nitflex-sub000/internal/client"
	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

func newHWAccelCommand(opts *options) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "hwaccel",
		Short: "Show the encoder selected for this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !remote {
				printEncoder(cmd.OutOrStdout(), ffmpeg.Select(ffmpeg.ProbePlatform()))
				return nil
			}
			c, err := client.New(opts.addr)
			if err != nil {
				return err
			}
			cfg, err := c.HWAccel(cmd.Context())
			if err != nil {
				return err
			}
			printEncoder(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the server at --addr instead of probing locally")
	return cmd
}

func printEncoder(w io.Writer, cfg domain.EncoderConfig) {
	rows := [][]string{
		{"Accel", string(cfg.Accel)},
		{"Video codec", cfg.VideoCodec},
		{"Input args", strings.Join(cfg.InputArgs, " ")},
		{"Extra args", strings.Join(cfg.ExtraArgs, " ")},
	}
	fmt.Fprintln(w, renderTable([]string{"Setting", "Value"}, rows, nil))
}
