package dmonitor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/rKV/lib/monitor"
	"github.com/ValentinKolb/rKV/lib/monitor/dmonitor/internal"
	"github.com/ValentinKolb/rKV/lib/store"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

const (
	snapshotMagic   = "RKVMON\x00\x00" // Snapshot format identifier
	snapshotVersion = 1
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// MonitorStateMachine is the ownership table as a dragonboat state machine.
// Update is called sequentially by dragonboat, Lookup concurrently with Update,
// so the table is guarded by a RWMutex.
type MonitorStateMachine struct {
	replicaID uint64
	shardID   uint64

	mu    sync.RWMutex
	table map[int]monitor.State
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host
func CreateStateMachineFactory() sm.CreateConcurrentStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return newStateMachine(shardID, replicaID)
	}
}

func newStateMachine(shardID, replicaID uint64) *MonitorStateMachine {
	return &MonitorStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		table:     make(map[int]monitor.State),
	}
}

// Lookup handles read-only queries
func (fsm *MonitorStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	fsm.mu.RLock()
	defer fsm.mu.RUnlock()

	switch q.Type {
	case internal.QueryTOwner:
		state, ok := fsm.table[q.Profile]
		return internal.OwnerResult{Ok: ok, Owner: state.Owner}, nil
	case internal.QueryTOwners:
		owners := make(map[int]uint64, len(fsm.table))
		for profile, state := range fsm.table {
			owners[profile] = state.Owner
		}
		return owners, nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies the commands of the raft log. The result value of each entry is a store.RetCode,
// the data is the source node (begin) or the error message.
func (fsm *MonitorStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	fsm.mu.Lock()
	defer fsm.mu.Unlock()

	for idx, e := range entries {
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}
		entries[idx].Result = fsm.apply(cmd)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		Logger.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// apply executes one command, the caller holds the write lock
func (fsm *MonitorStateMachine) apply(cmd internal.Command) sm.Result {
	state, known := fsm.table[cmd.Profile]

	if cmd.Type == internal.CommandTRegister {
		if !known {
			fsm.table[cmd.Profile] = monitor.State{Owner: cmd.Node}
			return sm.Result{Value: uint64(store.RetCSuccess)}
		}
		return result(state.Register(cmd.Profile, cmd.Node), nil)
	}

	if !known {
		return result(monitor.UnknownProfile(cmd.Profile), nil)
	}

	var err error
	var data []byte
	switch cmd.Type {
	case internal.CommandTBegin:
		var source uint64
		source, err = state.Begin(cmd.Profile, cmd.Node)
		data = internal.EncodeNode(source)
	case internal.CommandTEnd:
		err = state.End(cmd.Profile, cmd.Node)
	case internal.CommandTAbort:
		err = state.Abort(cmd.Profile, cmd.Node)
	default:
		err = store.Errorf(store.RetCInvalidOperation, "unknown Command operation: %s", cmd.Type)
	}
	if err == nil {
		fsm.table[cmd.Profile] = state
	}
	return result(err, data)
}

func result(err error, data []byte) sm.Result {
	if err != nil {
		return sm.Result{Value: uint64(store.CodeOf(err)), Data: []byte(err.Error())}
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: data}
}

// PrepareSnapshot captures a copy of the table, SaveSnapshot writes it while updates continue
func (fsm *MonitorStateMachine) PrepareSnapshot() (interface{}, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()

	snapshot := make(map[int]monitor.State, len(fsm.table))
	for profile, state := range fsm.table {
		snapshot[profile] = state
	}
	return snapshot, nil
}

// SaveSnapshot writes the table captured by PrepareSnapshot with the format:
// magic | version uint8 | count uint64 | count x (profile int64, owner uint64, inFlight uint8, target uint64)
func (fsm *MonitorStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	table, ok := ctx.(map[int]monitor.State)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}

	profiles := make([]int, 0, len(table))
	for profile := range table {
		profiles = append(profiles, profile)
	}
	sort.Ints(profiles)

	bw := bufio.NewWriter(writer)
	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(profiles))); err != nil {
		return err
	}
	for _, profile := range profiles {
		state := table[profile]
		inFlight := uint8(0)
		if state.InFlight {
			inFlight = 1
		}
		record := struct {
			Profile  int64
			Owner    uint64
			InFlight uint8
			Target   uint64
		}{int64(profile), state.Owner, inFlight, state.Target}
		if err := binary.Write(bw, binary.LittleEndian, record); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// RecoverFromSnapshot replaces the table with the snapshot content
func (fsm *MonitorStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	br := bufio.NewReader(r)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("invalid monitor snapshot: magic number mismatch")
	}
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported monitor snapshot version: %d (expected %d)", version, snapshotVersion)
	}
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	table := make(map[int]monitor.State, count)
	for i := uint64(0); i < count; i++ {
		var record struct {
			Profile  int64
			Owner    uint64
			InFlight uint8
			Target   uint64
		}
		if err := binary.Read(br, binary.LittleEndian, &record); err != nil {
			return err
		}
		table[int(record.Profile)] = monitor.State{Owner: record.Owner, InFlight: record.InFlight == 1, Target: record.Target}
	}

	fsm.mu.Lock()
	fsm.table = table
	fsm.mu.Unlock()
	return nil
}

// Close performs any necessary cleanup.
func (fsm *MonitorStateMachine) Close() error {
	return nil
}
