package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facescan/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
	resetDir   string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Thumbnails)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				if err := connectDB(cmd.Context()); err != nil {
					utils.Die("Database unavailable", err, nil)
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			dir := thumbnailDir()
			if dir == "" {
				fmt.Println("ℹ️  No thumbnail directory configured, skipping files.")
			} else if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all thumbnails in %s?", dir)) {
				fmt.Println("🗑️  Clearing Thumbnails...")
				removeDir(dir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated thumbnails")
	resetCmd.Flags().StringVar(&resetDir, "dir", "", "Thumbnail directory to clear (default: scan.thumbnails from config)")
	rootCmd.AddCommand(resetCmd)
}

func thumbnailDir() string {
	if resetDir != "" {
		return resetDir
	}
	return Cfg.Scan.Thumbnails
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
