package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newTokenCommand(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a management token and print its details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			cli, err := s.connect(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				_, err := fmt.Fprintln(out, cli.Token())
				return err
			}
			fmt.Fprintf(out, "Namespace: %s\n", cli.Namespace())
			fmt.Fprintf(out, "Issuer: %s\n", s.cfg.Issuer)
			if exp := cli.ExpiresAt(); !exp.IsZero() {
				fmt.Fprintf(out, "Expires: %s (%s)\n", cli.ISO8601(exp), humanize.Time(exp))
			} else {
				fmt.Fprintln(out, "Expires: unknown")
			}
			fmt.Fprintf(out, "Token size: %s\n", humanize.Bytes(uint64(len(cli.Token()))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print only the decoded token")
	return cmd
}
