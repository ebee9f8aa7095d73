package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func modelsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and the provider serving each model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, *cfgPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME")
			for _, model := range a.catalog.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", model.ID, model.Provider.Route(), model.Name)
			}
			return w.Flush()
		},
	}
}
