package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facescan/internal/store"
	"github.com/andresmejia3/facescan/internal/utils"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted scan sessions",
	Run: func(cmd *cobra.Command, args []string) {
		if err := connectDB(cmd.Context()); err != nil {
			utils.Die("Database unavailable", err, nil)
		}
		runSessions(cmd)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command) {
	sessions, err := DB.ListSessions(cmd.Context())
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No scan sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tENGINE\tSOURCE\tSTARTED\tPHOTOS\tFACES\tERRORS\tSTATUS")
	fmt.Fprintln(w, "--\t------\t------\t-------\t------\t-----\t------\t------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.ID[:8], s.Engine, s.Source, s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Total, s.Faces, s.Errors, sessionStatus(s))
	}
	w.Flush()
}

func sessionStatus(s store.SessionRecord) string {
	switch {
	case s.FinishedAt == nil:
		return "running"
	case s.Cancelled:
		return "cancelled"
	default:
		return "done"
	}
}
