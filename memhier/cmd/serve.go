package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/memhier/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memory system over an HTTP JSON API.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}

		port, _ := cmd.Flags().GetInt("port")

		m, err := monitoring.NewMonitor(cfg)
		if err != nil {
			log.Fatalf("Error building memory system: %v", err)
		}

		m.WithPortNumber(port).WithLogger(logger(cmd))

		url, err := m.StartServer()
		if err != nil {
			log.Fatalf("Error starting server: %v", err)
		}

		if open, _ := cmd.Flags().GetBool("open"); open {
			if err := browser.OpenURL(url + "/api/system"); err != nil {
				fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
			}
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "port to listen on, random when 0")
	serveCmd.Flags().Bool("open", false, "open the API in a browser")
}
