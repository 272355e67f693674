package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pipecore/internal/config"
	"pipecore/internal/logging"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:          "pipecore",
		Short:        "Block pipeline execution engine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file (ignore error if file doesn't exist)
			if err := godotenv.Load(); err == nil {
				log.Println("✅ .env file loaded")
			}
			*cfg = *config.Load()
			logging.Init(cfg.Environment)
		},
	}

	root.AddCommand(newRunCommand(cfg))
	root.AddCommand(newSqliteWorkerCommand(cfg))
	return root
}
