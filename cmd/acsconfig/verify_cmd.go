package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/internal/storagecheck"
	"pkt.systems/acsconfig/setup"
)

func newVerifyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyDirectCommand(a))
	cmd.AddCommand(newVerifyToolkitCommand(a))
	return cmd
}

func newVerifyDirectCommand(a *app) *cobra.Command {
	var sc storagecheck.Config
	var sslThumbprint, apnsThumbprint string
	var write bool
	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Verify storage account credentials for the direct connection type",
		Example: strings.TrimSpace(`
# Check the account key and list containers
acsconfig verify direct --account pushstore --access-key "$STORAGE_KEY"

# Also require a container and write a direct toolkit configuration
acsconfig verify direct --account pushstore --access-key "$STORAGE_KEY" --container push --write
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			tk := setup.ToolkitConfig{
				ConnectionType: setup.ConnectionDirect,
				AccountName:    sc.Account,
				AccessKey:      sc.AccessKey,
				SSLThumbprint:  sslThumbprint,
				APNSThumbprint: apnsThumbprint,
			}.Normalize()
			if err := tk.Validate(); err != nil {
				printFieldErrors(cmd.ErrOrStderr(), err)
				return err
			}
			if sc.Timeout == 0 {
				sc.Timeout = s.cfg.HTTPTimeout
			}
			out := cmd.OutOrStdout()
			if err := runStorageCheck(cmd, out, sc); err != nil {
				return err
			}
			if !write {
				return nil
			}
			if err := tk.WriteFile(s.cfg.ToolkitPath); err != nil {
				printFieldErrors(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(out, "Wrote toolkit configuration to %s\n", s.cfg.ToolkitPath)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&sc.Account, "account", "", "storage account name")
	flags.StringVar(&sc.AccessKey, "access-key", "", "storage account access key (base64)")
	flags.StringVar(&sc.Endpoint, "endpoint", "", fmt.Sprintf("blob service endpoint (defaults to %s)", storagecheck.DefaultEndpointPattern))
	flags.StringVar(&sc.Container, "container", "", "container that must exist (optional)")
	flags.DurationVar(&sc.Timeout, "timeout", 0, "overall timeout for the checks (defaults to --http-timeout)")
	flags.StringVar(&sslThumbprint, "ssl-thumbprint", "", "SSL certificate thumbprint to record in the toolkit configuration")
	flags.StringVar(&apnsThumbprint, "apns-thumbprint", "", "APNS certificate thumbprint to record in the toolkit configuration")
	flags.BoolVar(&write, "write", false, "write a direct toolkit configuration when the checks pass")
	return cmd
}

func runStorageCheck(cmd *cobra.Command, out io.Writer, sc storagecheck.Config) error {
	res, err := storagecheck.Verify(cmd.Context(), sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Account: %s\n", res.Account)
	fmt.Fprintf(out, "Endpoint: %s\n\n", res.Endpoint)
	for _, check := range res.Checks {
		if check.Err == nil {
			fmt.Fprintf(out, "✔ %s\n", check.Name)
		} else {
			fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
		}
	}
	if !res.Passed() {
		return fmt.Errorf("storage verification failed")
	}
	fmt.Fprintln(out, "Storage verification succeeded.")
	return nil
}

func newVerifyToolkitCommand(a *app) *cobra.Command {
	var offline bool
	var endpoint string
	cmd := &cobra.Command{
		Use:   "toolkit [path]",
		Short: "Validate a toolkit configuration and check it against the service",
		Long: `toolkit loads a toolkit configuration file (defaults to --toolkit-path) and
validates its fields. For the direct connection type the storage account is
checked; for the acs type the relying party is looked up when a management
key is configured. --offline skips the service checks.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			path := s.cfg.ToolkitPath
			if len(args) == 1 {
				if path, err = expandPath(args[0]); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			tk, err := setup.LoadToolkitConfig(path)
			if err != nil {
				printFieldErrors(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(out, "Toolkit: %s\n", path)
			fmt.Fprintf(out, "Connection type: %s\n", tk.ConnectionType)
			if offline {
				fmt.Fprintln(out, "Toolkit configuration is valid.")
				return nil
			}
			switch tk.ConnectionType {
			case setup.ConnectionDirect:
				return runStorageCheck(cmd, out, storagecheck.Config{
					Account:   tk.AccountName,
					AccessKey: tk.AccessKey,
					Endpoint:  endpoint,
					Timeout:   s.cfg.HTTPTimeout,
				})
			default:
				if s.cfg.Namespace == "" {
					s.cfg.Namespace = tk.ACSNamespace
				}
				if s.cfg.Namespace != tk.ACSNamespace {
					return fmt.Errorf("toolkit namespace %q does not match configured namespace %q", tk.ACSNamespace, s.cfg.Namespace)
				}
				cli, err := s.connect(cmd.Context())
				if err != nil {
					return err
				}
				var found *atom.Entry
				err = cli.GetEntries(cmd.Context(), setup.NameFilter(tk.ACSRelyingParty), func(e atom.Entry) bool {
					found = &e
					return false
				})
				if err != nil {
					return err
				}
				if found == nil {
					return fmt.Errorf("relying party %q not found in namespace %q", tk.ACSRelyingParty, tk.ACSNamespace)
				}
				id, _ := found.Property("Id")
				fmt.Fprintf(out, "Relying party %q found (id %s)\n", tk.ACSRelyingParty, id)
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only validate the file")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "blob service endpoint override for direct configurations")
	return cmd
}
