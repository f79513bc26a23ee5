package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/internal/svcfields"
	"pkt.systems/acsconfig/setup"
)

func newSetupCommand(a *app) *cobra.Command {
	var req setup.Request
	var sslThumbprint, apnsThumbprint string
	var stdout bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision an ACS relying party and write the toolkit configuration",
		Long: `setup looks up the relying party by name, creates it together with its
realm address and a symmetric signing key, reads the result back and writes
an "acs" toolkit configuration. An existing relying party with the same name
is left untouched unless --replace is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			req, err := req.Normalize()
			if err == nil {
				err = setup.ValidateThumbprints(sslThumbprint, apnsThumbprint)
			}
			if err != nil {
				printFieldErrors(cmd.ErrOrStderr(), err)
				return err
			}
			cli, err := s.connect(cmd.Context())
			if err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(s.logger, svcfields.Subsystem("cli", cmd.Name()))
			errOut := cmd.ErrOrStderr()
			res, err := setup.Run(cmd.Context(), cli, req, func(status string) {
				fmt.Fprintf(errOut, "%s...\n", status)
			}, setup.WithLogger(s.logger), setup.WithClock(clock.Real{}))
			if err != nil {
				if errors.Is(err, setup.ErrRelyingPartyExists) {
					return fmt.Errorf("%w (use --replace to recreate it)", err)
				}
				return err
			}
			logger.Info("relying party provisioned",
				"run_id", res.RunID,
				"relying_party_id", res.RelyingPartyID,
				"address_id", res.AddressID,
				"key_id", res.SigningKeyID,
				"replaced", res.Replaced,
			)

			tk := setup.ToolkitFromResult(s.cfg.Namespace, req, res)
			tk.SSLThumbprint = sslThumbprint
			tk.APNSThumbprint = apnsThumbprint
			out := cmd.OutOrStdout()
			if stdout {
				tk = tk.Normalize()
				if err := tk.Validate(); err != nil {
					printFieldErrors(errOut, err)
					return err
				}
				data, err := tk.Marshal()
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			if s.cfg.ToolkitPath == "" {
				return fmt.Errorf("no toolkit path: set --toolkit-path or ACSCONFIG_CONFIG_DIR")
			}
			if err := tk.WriteFile(s.cfg.ToolkitPath); err != nil {
				printFieldErrors(errOut, err)
				return err
			}
			fmt.Fprintf(out, "Relying party %q provisioned (id %d)\n", req.RelyingParty, res.RelyingPartyID)
			fmt.Fprintf(out, "Realm: %s\n", res.Realm)
			fmt.Fprintf(out, "Wrote toolkit configuration to %s\n", s.cfg.ToolkitPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.RelyingParty, "relying-party", "", "relying party name")
	flags.StringVar(&req.DisplayName, "display-name", "", "relying party display name (defaults to the name)")
	flags.StringVar(&req.Realm, "realm", "", "relying party realm URL")
	flags.StringVar(&req.SigningKey, "signing-key", "", "base64 symmetric signing key (generated when empty)")
	flags.DurationVar(&req.TokenLifetime, "token-lifetime", setup.DefaultTokenLifetime, "lifetime of issued tokens")
	flags.DurationVar(&req.KeyLifetime, "key-lifetime", setup.DefaultKeyLifetime, "validity of the signing key")
	flags.BoolVar(&req.Replace, "replace", false, "delete and recreate an existing relying party with the same name")
	flags.StringVar(&sslThumbprint, "ssl-thumbprint", "", "SSL certificate thumbprint to record in the toolkit configuration")
	flags.StringVar(&apnsThumbprint, "apns-thumbprint", "", "APNS certificate thumbprint to record in the toolkit configuration")
	flags.BoolVar(&stdout, "stdout", false, "print the toolkit configuration instead of writing it")
	_ = cmd.MarkFlagRequired("relying-party")
	_ = cmd.MarkFlagRequired("realm")
	return cmd
}

func printFieldErrors(w io.Writer, err error) {
	var fields setup.FieldErrors
	if !errors.As(err, &fields) {
		return
	}
	for _, f := range fields {
		fmt.Fprintf(w, "  %s: %s\n", f.Field, f.Message)
	}
}
