package kv

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/spf13/cobra"
)

var (
	readCmd = &cobra.Command{
		Use:   "read [profile] [id]",
		Short: "Reads a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, id, err := parseRecordID(args)
			if err != nil {
				return err
			}
			return execute(ctxOf(cmd), store.NewRead(profile, id))
		},
	}
	writeCmd = &cobra.Command{
		Use:   "write [profile] [id] [numbers] [strings]",
		Short: "Writes a full record, numbers and strings are comma separated lists",
		Long: `Writes a full record. Numbers and strings are comma separated lists and must have
exactly as many entries as the server has attributes, e.g.

    rkv kv write 4 2 1,2,3,4,5 a,b,c,d,e`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, id, err := parseRecordID(args)
			if err != nil {
				return err
			}
			numbers, err := util.ParseInts(args[2])
			if err != nil {
				return err
			}
			return execute(ctxOf(cmd), store.NewWrite(profile, id, numbers, splitStrings(args[3])))
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [profile] [id]",
		Short: "Deletes a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, id, err := parseRecordID(args)
			if err != nil {
				return err
			}
			return execute(ctxOf(cmd), store.NewDelete(profile, id))
		},
	}
	batchCmd = &cobra.Command{
		Use:   "batch [file]",
		Short: "Executes a batch of operations atomically",
		Long: `Executes a batch of operations atomically. The batch is read from the file or
from stdin if it is omitted or "-". One operation per line:

    read   PROFILE ID
    write  PROFILE ID NUMBERS STRINGS
    delete PROFILE ID

Empty lines and lines starting with # are ignored.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			ops, err := parseBatch(in)
			if err != nil {
				return err
			}
			return execute(ctxOf(cmd), ops...)
		},
	}
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Prints every record of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := rpcPeer.Dump(ctxOf(cmd))
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Println(r.String())
			}
			fmt.Printf("%d records\n", len(records))
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints diagnostics of the node (served profiles, load, token counters, engine)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcPeer.Info(ctxOf(cmd))
			if err != nil {
				return err
			}
			return util.PrintJSON(info)
		},
	}
)

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseRecordID(args []string) (profile, id int, err error) {
	if profile, err = strconv.Atoi(args[0]); err != nil {
		return 0, 0, fmt.Errorf("profile must be a number: %w", err)
	}
	if id, err = strconv.Atoi(args[1]); err != nil {
		return 0, 0, fmt.Errorf("id must be a number: %w", err)
	}
	return profile, id, nil
}

// execute sends ops as one request and prints one line per result
func execute(ctx context.Context, ops ...store.Operation) error {
	results, err := rpcPeer.ExecuteOperations(ctx, ops)
	for i, res := range results {
		fmt.Println(formatResult(ops[i], res))
	}
	return err
}

func formatResult(op store.Operation, res store.OperationResult) string {
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	line := fmt.Sprintf("%-6s %d/%d %s", op.Type, op.Record.Profile, op.Record.ID, status)
	if res.Data != nil {
		line += " " + res.Data.String()
	}
	return line
}
