package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSQL/cmd/query"
	"github.com/ValentinKolb/dSQL/cmd/serve"
	"github.com/ValentinKolb/dSQL/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsql",
		Short: "distributed database middleware",
		Long: fmt.Sprintf(`dSQL (v%s)

A distributed database middleware in front of a static cluster of MySQL
replicas: a single logical database view, ACID writes via two-phase
commit, bully-elected coordinator and transparent failover.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSQL",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSQL v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(query.QueryCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("wire serializer to use (json, gob) - must match on all nodes"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
