package util

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/serializer"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"github.com/ValentinKolb/rKV/rpc/transport/http"
	"github.com/ValentinKolb/rKV/rpc/transport/tcp"
	"github.com/ValentinKolb/rKV/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupTransportFlags adds the tuning flags of the client transport, they are used by the CLI
// clients and by a server for its connections to peers and a remote monitor
func SetupTransportFlags(cmd *cobra.Command) {
	key := "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint - for transports that support this feature"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, 3, WrapString("How many times to retry the request"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB, ignored for http)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB, ignored for http)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for TCP)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 30, WrapString("The keepalive interval for the transport (in seconds, only for TCP)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time for the transport (in seconds, only for TCP, -1 keeps the system default)"))
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "transport-endpoints"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("The address of the rKV server. For transports that support load balancing, multiple endpoints can be specified as a comma-separated list"))

	SetupTransportFlags(cmd)
}

// InitConfig loads .env files and makes every flag settable as RKV_<FLAG> environment variable
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("rkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetTransportConfig reads the transport tuning flags from viper
func GetTransportConfig() common.TransportConfig {
	config := common.DefaultTransportConfig()
	config.RetryCount = viper.GetInt("transport-retries")
	config.ConnectionsPerEndpoint = viper.GetInt("transport-conn-per-endpoint")
	config.WriteBufferSize = viper.GetInt("transport-write-buffer") * 1024
	config.ReadBufferSize = viper.GetInt("transport-read-buffer") * 1024
	config.TCPNoDelay = viper.GetBool("transport-tcp-nodelay")
	config.TCPKeepAliveSec = viper.GetInt("transport-tcp-keepalive")
	config.TCPLingerSec = viper.GetInt("transport-tcp-linger")
	if timeout := viper.GetInt("timeout"); timeout > 0 {
		config.TimeoutSecond = timeout
	}
	return config
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	config := &common.ClientConfig{Transport: GetTransportConfig()}
	config.Transport.Endpoints = SplitList(viper.GetString("transport-endpoints"))
	return config
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.ByName(viper.GetString("serializer"))
}

// GetTransport creates transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	factory, err := GetTransportFactory()
	if err != nil {
		return nil, err
	}
	return factory(), nil
}

// GetTransportFactory returns the constructor of the configured client transport
func GetTransportFactory() (func() transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpClientTransport, nil
	case "tcp":
		return tcp.NewTCPClientTransport, nil
	case "unix":
		return unix.NewUnixClientTransport, nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "http":
		return http.NewHttpServerTransport(), nil
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Parsing helpers
// --------------------------------------------------------------------------

// SplitList splits a comma separated list and drops empty entries
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseInts parses a comma separated list of integers
func ParseInts(s string) ([]int, error) {
	parts := SplitList(s)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseIDMap parses a list of the form "1=value,2=value"
func ParseIDMap(s string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, entry := range SplitList(s) {
		id, value, ok := strings.Cut(entry, "=")
		if !ok || value == "" {
			return nil, fmt.Errorf("invalid format: %s (expected ID=VALUE)", entry)
		}
		parsed, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %s: %w", id, err)
		}
		if _, dup := out[parsed]; dup {
			return nil, fmt.Errorf("id %d is listed twice", parsed)
		}
		out[parsed] = strings.TrimSpace(value)
	}
	return out, nil
}

// ParseNodes parses the nodes hosted by a server: "ID=FIRST:COUNT", e.g. "1=0:5,2=5:5" hosts
// node 1 with the profiles 0..4 and node 2 with the profiles 5..9
func ParseNodes(s string) ([]common.NodeConfig, error) {
	entries, err := ParseIDMap(s)
	if err != nil {
		return nil, err
	}
	nodes := make([]common.NodeConfig, 0, len(entries))
	for id, block := range entries {
		first, count, ok := strings.Cut(block, ":")
		if !ok {
			return nil, fmt.Errorf("invalid profile block of node %d: %s (expected FIRST:COUNT)", id, block)
		}
		nc := common.NodeConfig{ID: id}
		if nc.FirstProfile, err = strconv.Atoi(first); err != nil {
			return nil, fmt.Errorf("invalid first profile of node %d: %w", id, err)
		}
		if nc.ProfileCount, err = strconv.Atoi(count); err != nil || nc.ProfileCount < 0 {
			return nil, fmt.Errorf("invalid profile count of node %d: %s", id, count)
		}
		nodes = append(nodes, nc)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ReplicaID derives the numeric raft replica id from a replica name (FNV-1a)
func ReplicaID(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// PrintJSON writes v indented to stdout
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
