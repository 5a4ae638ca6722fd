package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/explainable-platform/shapserve/core/model"
)

func newModelsCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered models with a version in the serving stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService(opts.cfg, nil)
			if err != nil {
				return err
			}
			models, err := svc.Models(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

			out := cmd.OutOrStdout()
			if asJSON {
				return model.SaveDocumentToWriter(models, out)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tVERSION\tRUN\tMETRICS")
			for _, m := range models {
				keys := make([]string, 0, len(m.Metrics))
				for k := range m.Metrics {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				metrics := ""
				for i, k := range keys {
					if i > 0 {
						metrics += " "
					}
					metrics += fmt.Sprintf("%s=%.4g", k, m.Metrics[k])
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Version, m.RunID, metrics)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
