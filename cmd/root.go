package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/rKV/cmd/kv"
	"github.com/ValentinKolb/rKV/cmd/monitor"
	"github.com/ValentinKolb/rKV/cmd/serve"
	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "rkv",
		Short: "partitioned profile store",
		Long: fmt.Sprintf(`rKV (v%s)

A partitioned profile store written in Go. Profiles are spread over a ring
of storage nodes, a token circulating the ring moves profiles from overloaded
to underloaded nodes and a monitor arbitrates every migration.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rKV v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(monitor.MonitorCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
