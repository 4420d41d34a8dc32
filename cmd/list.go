package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/soundrecorder/internal/catalog"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := catalog.New(afero.NewOsFs(), cfg.Storage.CatalogFile, clockwork.NewRealClock())
		entries, err := c.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No recordings saved yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REF\tNAME\tSIZE\tADDED\tPATH")
		for _, e := range entries {
			path := e.Path
			if e.Missing {
				path += " (missing)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Ref, e.Name, e.SizeHuman, e.Added.Format("2006-01-02 15:04"), path)
		}
		return w.Flush()
	},
}
