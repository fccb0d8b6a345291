// Command asterisque-echo is a runnable demonstration of the asterisque
// runtime: a server subcommand registers an "echo" function, a client
// subcommand dials it and round-trips a string. Wired from
// cmd/example_http_client and cmd/relay-server's cobra/flag styles.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "asterisque-echo",
	Short: "asterisque echo demo (server and client subcommands)",
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.AddCommand(serveCmd, callCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}
