// Sketch Duel - realtime drawing duel server
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var releaseVersion = "dev"

// flags override the matching environment variables when set.
type flags struct {
	port           string
	dbPath         string
	classifierAddr string
	logLevel       string
}

func newCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "sketchduel",
		Short:         "Realtime one-on-one drawing duels.",
		Args:          cobra.NoArgs,
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.Flags(), f)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&f.port, "port", "p", "", "port to listen on (env: PORT)")
	fs.StringVar(&f.dbPath, "db-path", "", "path to the SQLite database (env: DB_PATH)")
	fs.StringVar(&f.classifierAddr, "classifier-addr", "", "gRPC address of the drawing classifier (env: CLASSIFIER_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("sketchduel {{.Version}}\n")

	return cmd
}

func main() {
	if err := newCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sketchduel:", err)
		os.Exit(1)
	}
}
