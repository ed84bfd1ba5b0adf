package testing

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/rKV/lib/db"
)

// FaultyDB wraps a KVDB and fails queued calls of Execute and MultiGet
// before they reach the wrapped engine, so an injected fault never leaves a trace.
type FaultyDB struct {
	db.KVDB

	mu         sync.Mutex
	execFaults []error
	scanFaults []error
	always     error

	execCalls atomic.Int64
	scanCalls atomic.Int64
}

// NewFaultyDB wraps database
func NewFaultyDB(database db.KVDB) *FaultyDB {
	return &FaultyDB{KVDB: database}
}

// FailExecute queues errs; each following Execute call consumes one of them
func (f *FaultyDB) FailExecute(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execFaults = append(f.execFaults, errs...)
}

// FailMultiGet queues errs; each following MultiGet call consumes one of them
func (f *FaultyDB) FailMultiGet(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanFaults = append(f.scanFaults, errs...)
}

// FailAlways makes every Execute and MultiGet return err until it is called with nil
func (f *FaultyDB) FailAlways(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always = err
}

// ExecuteCalls returns how often Execute was invoked (including failed calls)
func (f *FaultyDB) ExecuteCalls() int {
	return int(f.execCalls.Load())
}

// MultiGetCalls returns how often MultiGet was invoked (including failed calls)
func (f *FaultyDB) MultiGetCalls() int {
	return int(f.scanCalls.Load())
}

func (f *FaultyDB) next(queue *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always != nil {
		return f.always
	}
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *FaultyDB) Execute(ops []db.Op) ([]bool, error) {
	f.execCalls.Add(1)
	if err := f.next(&f.execFaults); err != nil {
		return nil, err
	}
	return f.KVDB.Execute(ops)
}

func (f *FaultyDB) MultiGet(major string, r *db.KeyRange) ([]db.Entry, error) {
	f.scanCalls.Add(1)
	if err := f.next(&f.scanFaults); err != nil {
		return nil, err
	}
	return f.KVDB.MultiGet(major, r)
}
