package monitor

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/node"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/spf13/cobra"
)

var (
	rpcMonitor    monitor.IMonitor
	rpcTransport  transport.IRPCClientTransport
	rpcSerializer serializer.IRPCSerializer

	// MonitorCommands represents the monitor command group
	MonitorCommands = &cobra.Command{
		Use:                "monitor",
		Short:              "Query the profile ownership and trigger migrations",
		PersistentPreRunE:  setupMonitorClient,
		PersistentPostRunE: closeMonitorClient,
	}
	ownerCmd = &cobra.Command{
		Use:   "owner [profile]",
		Short: "Prints the node owning a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("profile must be a number: %w", err)
			}
			owner, ok, err := rpcMonitor.Owner(ctxOf(cmd), profile)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("profile %d has no owner\n", profile)
				return nil
			}
			fmt.Printf("profile %d is owned by node %d\n", profile, owner)
			return nil
		},
	}
	ownersCmd = &cobra.Command{
		Use:   "owners",
		Short: "Prints the whole ownership table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owners, err := rpcMonitor.Owners(ctxOf(cmd))
			if err != nil {
				return err
			}
			profiles := make([]int, 0, len(owners))
			perNode := make(map[uint64]int)
			for profile, owner := range owners {
				profiles = append(profiles, profile)
				perNode[owner]++
			}
			sort.Ints(profiles)
			for _, profile := range profiles {
				fmt.Printf("%d\t%d\n", profile, owners[profile])
			}

			nodes := make([]uint64, 0, len(perNode))
			for id := range perNode {
				nodes = append(nodes, id)
			}
			sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
			fmt.Printf("%d profiles\n", len(profiles))
			for _, id := range nodes {
				fmt.Printf("node %d: %d profiles\n", id, perNode[id])
			}
			return nil
		},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate [node] [profiles...]",
		Short: "Moves profiles to a node",
		Long: util.WrapString("Asks the node to pull the given profiles from their current owners. " +
			"The node must be reachable through the same endpoints as the monitor."),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("node must be a number: %w", err)
			}
			if id == transport.MonitorTarget {
				return node.ErrReservedID
			}
			profiles := make([]int, 0, len(args)-1)
			for _, arg := range args[1:] {
				profile, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("profile must be a number: %w", err)
				}
				profiles = append(profiles, profile)
			}

			timeout, _ := cmd.Flags().GetDuration("timeout")
			peer := client.NewRPCPeerWithTransport(id, rpcTransport, rpcSerializer, client.WithMigrationTimeout(timeout))
			if err := peer.Migrate(ctxOf(cmd), profiles); err != nil {
				return err
			}
			fmt.Printf("migrated %v to node %d\n", profiles, id)
			return nil
		},
	}
)

func init() {
	// Add common RPC flags to the monitor command
	util.SetupRPCClientFlags(MonitorCommands)

	// Add subcommands
	MonitorCommands.AddCommand(ownerCmd)
	MonitorCommands.AddCommand(ownersCmd)
	MonitorCommands.AddCommand(migrateCmd)

	migrateCmd.Flags().Duration("timeout", client.DefaultMigrationTimeout, "Time the node may take to pull the profiles")
}

// setupMonitorClient initializes the RPC monitor client
func setupMonitorClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	if rpcSerializer, err = util.GetSerializer(); err != nil {
		return err
	}
	if rpcTransport, err = util.GetTransport(); err != nil {
		return err
	}

	rpcMonitor, err = client.NewRPCMonitor(*util.GetClientConfig(), rpcTransport, rpcSerializer)
	return err
}

func closeMonitorClient(_ *cobra.Command, _ []string) error {
	if rpcTransport == nil {
		return nil
	}
	return rpcTransport.Close()
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
