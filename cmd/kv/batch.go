package kv

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/store"
)

// parseBatch reads one operation per line, see the help of the batch command
func parseBatch(r io.Reader) ([]store.Operation, error) {
	var ops []store.Operation
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		op, err := parseOperation(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}
	return ops, nil
}

func parseOperation(fields []string) (store.Operation, error) {
	if len(fields) < 3 {
		return store.Operation{}, fmt.Errorf("expected OPERATION PROFILE ID, got %q", strings.Join(fields, " "))
	}
	profile, err := strconv.Atoi(fields[1])
	if err != nil {
		return store.Operation{}, fmt.Errorf("invalid profile %q", fields[1])
	}
	id, err := strconv.Atoi(fields[2])
	if err != nil {
		return store.Operation{}, fmt.Errorf("invalid id %q", fields[2])
	}

	switch strings.ToLower(fields[0]) {
	case "read":
		if len(fields) != 3 {
			return store.Operation{}, fmt.Errorf("read takes PROFILE ID")
		}
		return store.NewRead(profile, id), nil
	case "delete":
		if len(fields) != 3 {
			return store.Operation{}, fmt.Errorf("delete takes PROFILE ID")
		}
		return store.NewDelete(profile, id), nil
	case "write":
		if len(fields) != 5 {
			return store.Operation{}, fmt.Errorf("write takes PROFILE ID NUMBERS STRINGS")
		}
		numbers, err := util.ParseInts(fields[3])
		if err != nil {
			return store.Operation{}, err
		}
		return store.NewWrite(profile, id, numbers, splitStrings(fields[4])), nil
	default:
		return store.Operation{}, fmt.Errorf("unknown operation %q", fields[0])
	}
}

// splitStrings splits a comma separated list of string attributes, empty entries are kept
func splitStrings(s string) []string {
	return strings.Split(s, ",")
}
