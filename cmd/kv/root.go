package kv

import (
	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/node"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcPeer      node.Peer
	rpcTransport transport.IRPCClientTransport

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform record operations on a node",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// The node requests are sent to
	KeyValueCommands.PersistentFlags().Uint64("node", 1, util.WrapString("ID of the node to send requests to"))

	// Add subcommands
	KeyValueCommands.AddCommand(readCmd)
	KeyValueCommands.AddCommand(writeCmd)
	KeyValueCommands.AddCommand(deleteCmd)
	KeyValueCommands.AddCommand(batchCmd)
	KeyValueCommands.AddCommand(dumpCmd)
	KeyValueCommands.AddCommand(infoCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the RPC peer client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	rpcTransport, err = util.GetTransport()
	if err != nil {
		return err
	}

	// Create the node client
	rpcPeer, err = client.NewRPCPeer(
		viper.GetUint64("node"),
		*config,
		rpcTransport,
		s,
	)

	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if rpcTransport == nil {
		return nil
	}
	return rpcTransport.Close()
}
