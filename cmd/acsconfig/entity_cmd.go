package main

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/setup"
)

func newGetCommand(a *app) *cobra.Command {
	var xpathExpr string
	cmd := &cobra.Command{
		Use:   "get <entity>",
		Short: "Fetch a management entity or feed and print the response",
		Example: strings.TrimSpace(`
acsconfig get 'RelyingParties(1001L)'
acsconfig get RelyingParties --xpath "//*[local-name()='Name']"
`),
		Args: cobra.ExactArgs(1),
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
			if xpathExpr == "" {
				body, err := cli.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = out.Write(body)
				return err
			}
			doc, err := cli.GetXML(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return atom.EvaluateXPath(xpathExpr, doc, func(n *xmlquery.Node) bool {
				fmt.Fprintln(out, strings.TrimSpace(n.InnerText()))
				return true
			})
		},
	}
	cmd.Flags().StringVar(&xpathExpr, "xpath", "", "print the text of nodes matching this XPath expression")
	return cmd
}

type entryView struct {
	ID         string            `yaml:"id"`
	Title      string            `yaml:"title,omitempty"`
	Updated    string            `yaml:"updated,omitempty"`
	EditLink   string            `yaml:"edit,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

func newEntriesCommand(a *app) *cobra.Command {
	var limit int
	var filter string
	cmd := &cobra.Command{
		Use:     "entries <entity-set>",
		Aliases: []string{"list"},
		Short:   "List the entries of a management feed as YAML",
		Args:    cobra.ExactArgs(1),
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
			entity := args[0]
			if filter != "" {
				entity = setup.Filter(entity, filter)
			}
			var views []entryView
			err = cli.GetEntries(cmd.Context(), entity, func(e atom.Entry) bool {
				views = append(views, entryView{
					ID:         e.ID,
					Title:      e.Title,
					Updated:    e.Updated,
					EditLink:   e.EditLink,
					Properties: e.Properties,
				})
				return limit <= 0 || len(views) < limit
			})
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no entries")
				return nil
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(views); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries (0 lists all)")
	cmd.Flags().StringVar(&filter, "filter", "", "OData $filter expression, e.g. \"Name eq 'push'\"")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <entity>",
		Short: "Delete a management entity",
		Args:  cobra.ExactArgs(1),
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
			if err := cli.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
	return cmd
}
