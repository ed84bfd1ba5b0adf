package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rKV/lib/ring"
	"github.com/ValentinKolb/rKV/lib/store"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Routing and identity fields
	Profile  int    `json:"profile,omitempty"`  // Used for: Transfuse, Monitor requests
	Node     uint64 `json:"node,omitempty"`     // Used for: Transfuse (target), Monitor requests, Begin (response)
	Profiles []int  `json:"profiles,omitempty"` // Used for: Migrate

	// Payload fields
	Ops     []store.Operation       `json:"ops,omitempty"`     // Used for: Execute, Inject
	Results []store.OperationResult `json:"results,omitempty"` // Used for: Execute, Inject (response)
	Records []store.Record          `json:"records,omitempty"` // Used for: Dump (response)
	Token   *ring.Token             `json:"token,omitempty"`   // Used for: Token
	Owners  map[int]uint64          `json:"owners,omitempty"`  // Used for: Owners (response)
	Value   []byte                  `json:"value,omitempty"`   // Used for: Info (response, json encoded node.Info)

	// Response only fields
	Ok   bool   `json:"ok,omitempty"`   // Used for: Owner responses
	Code uint64 `json:"code,omitempty"` // store.RetCode of the error, 0 if Err is empty
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
}

// SetError stores err in the response fields. The return code survives the round trip.
func (m *Message) SetError(err error) {
	if err == nil {
		return
	}
	m.Code = uint64(store.CodeOf(err))
	m.Err = err.Error()
}

// Error returns the error carried by a response, or nil
func (m *Message) Error() error {
	if m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	code := store.RetCode(m.Code)
	if code == store.RetCSuccess {
		code = store.RetCInternalError
	}
	return &RemoteError{Code: code, Msg: m.Err}
}

// RemoteError is an error received from another process. It matches store.ErrCode(Code)
// with errors.Is and store.CodeOf returns its code.
type RemoteError struct {
	Code store.RetCode
	Msg  string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

func (e *RemoteError) Unwrap() error {
	return store.ErrCode(e.Code)
}

// --------------------------------------------------------------------------
// Message Factory Functions (Node)
// --------------------------------------------------------------------------

// NewExecuteRequest creates a new request for a batch of client operations
func NewExecuteRequest(ops []store.Operation) *Message {
	return &Message{
		MsgType: MsgTNodeExecute,
		Ops:     ops,
	}
}

// NewInjectRequest creates a new request for writes pushed by a migration source
func NewInjectRequest(ops []store.Operation) *Message {
	return &Message{
		MsgType: MsgTNodeInject,
		Ops:     ops,
	}
}

// NewResultsResponse creates the response of an Execute or Inject request
func NewResultsResponse(t MessageType, results []store.OperationResult, err error) *Message {
	msg := &Message{
		MsgType: t,
		Results: results,
	}
	msg.SetError(err)
	return msg
}

// NewTransfuseRequest asks the source of a migration to move profile to target
func NewTransfuseRequest(profile int, target uint64) *Message {
	return &Message{
		MsgType: MsgTNodeTransfuse,
		Profile: profile,
		Node:    target,
	}
}

// NewMigrateRequest asks a node to pull the given profiles
func NewMigrateRequest(profiles []int) *Message {
	return &Message{
		MsgType:  MsgTNodeMigrate,
		Profiles: profiles,
	}
}

// NewTokenRequest delivers a load balancer token
func NewTokenRequest(tok ring.Token) *Message {
	return &Message{
		MsgType: MsgTNodeToken,
		Token:   &tok,
	}
}

// NewDumpRequest creates a new Dump request
func NewDumpRequest() *Message {
	return &Message{MsgType: MsgTNodeDump}
}

// NewDumpResponse creates a new Dump response
func NewDumpResponse(records []store.Record, err error) *Message {
	msg := &Message{
		MsgType: MsgTNodeDump,
		Records: records,
	}
	msg.SetError(err)
	return msg
}

// NewInfoRequest creates a new Info request
func NewInfoRequest() *Message {
	return &Message{MsgType: MsgTNodeInfo}
}

// NewInfoResponse creates a new Info response, info is encoded as json
func NewInfoResponse(info any, err error) *Message {
	msg := &Message{MsgType: MsgTNodeInfo}
	if err != nil {
		msg.SetError(err)
		return msg
	}
	value, err := json.Marshal(info)
	if err != nil {
		msg.SetError(store.Errorf(store.RetCInternalError, "failed to encode info: %v", err))
		return msg
	}
	msg.Value = value
	return msg
}

// --------------------------------------------------------------------------
// Message Factory Functions (Monitor)
// --------------------------------------------------------------------------

// NewRegisterRequest creates a new Register request
func NewRegisterRequest(profile int, owner uint64) *Message {
	return &Message{
		MsgType: MsgTMonRegister,
		Profile: profile,
		Node:    owner,
	}
}

// NewBeginRequest creates a new NotifyMigration request
func NewBeginRequest(requester uint64, profile int) *Message {
	return &Message{
		MsgType: MsgTMonBegin,
		Profile: profile,
		Node:    requester,
	}
}

// NewBeginResponse creates a new NotifyMigration response carrying the source node
func NewBeginResponse(source uint64, err error) *Message {
	msg := &Message{
		MsgType: MsgTMonBegin,
		Node:    source,
	}
	msg.SetError(err)
	return msg
}

// NewEndRequest creates a new NotifyEndMigration request
func NewEndRequest(node uint64, profile int) *Message {
	return &Message{
		MsgType: MsgTMonEnd,
		Profile: profile,
		Node:    node,
	}
}

// NewAbortRequest creates a new AbortMigration request
func NewAbortRequest(node uint64, profile int) *Message {
	return &Message{
		MsgType: MsgTMonAbort,
		Profile: profile,
		Node:    node,
	}
}

// NewOwnerRequest creates a new Owner request
func NewOwnerRequest(profile int) *Message {
	return &Message{
		MsgType: MsgTMonOwner,
		Profile: profile,
	}
}

// NewOwnerResponse creates a new Owner response
func NewOwnerResponse(owner uint64, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTMonOwner,
		Node:    owner,
		Ok:      ok,
	}
	msg.SetError(err)
	return msg
}

// NewOwnersRequest creates a new Owners request
func NewOwnersRequest() *Message {
	return &Message{MsgType: MsgTMonOwners}
}

// NewOwnersResponse creates a new Owners response
func NewOwnersResponse(owners map[int]uint64, err error) *Message {
	msg := &Message{
		MsgType: MsgTMonOwners,
		Owners:  owners,
	}
	msg.SetError(err)
	return msg
}

// --------------------------------------------------------------------------
// Generic Responses
// --------------------------------------------------------------------------

// NewResponse creates a response of type t that only reports success or failure
func NewResponse(t MessageType, err error) *Message {
	msg := &Message{MsgType: t}
	msg.SetError(err)
	return msg
}

// NewErrorResponse creates a response for requests that could not be dispatched
func NewErrorResponse(err error) *Message {
	msg := &Message{MsgType: MsgTError}
	msg.SetError(err)
	return msg
}

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// MessageType defines the type of message
type MessageType uint8

const (
	// Special message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Node message types

	MsgTNodeExecute   // Execute a batch of client operations
	MsgTNodeInject    // Inject writes of a migration
	MsgTNodeTransfuse // Move a profile to another node
	MsgTNodeMigrate   // Pull profiles to the receiving node
	MsgTNodeToken     // Deliver a load balancer token
	MsgTNodeDump      // Return every record of the node
	MsgTNodeInfo      // Return diagnostics of the node

	// Monitor message types

	MsgTMonRegister // Register the initial owner of a profile
	MsgTMonBegin    // Begin a migration
	MsgTMonEnd      // Complete a migration
	MsgTMonAbort    // Abort a migration
	MsgTMonOwner    // Owner of a profile
	MsgTMonOwners   // Whole ownership table
)

var msgTNames = [...]string{
	MsgTUnknown:       "unknown",
	MsgTSuccess:       "success",
	MsgTError:         "error",
	MsgTNodeExecute:   "execute",
	MsgTNodeInject:    "inject",
	MsgTNodeTransfuse: "transfuse",
	MsgTNodeMigrate:   "migrate",
	MsgTNodeToken:     "token",
	MsgTNodeDump:      "dump",
	MsgTNodeInfo:      "info",
	MsgTMonRegister:   "register",
	MsgTMonBegin:      "begin_migration",
	MsgTMonEnd:        "end_migration",
	MsgTMonAbort:      "abort_migration",
	MsgTMonOwner:      "owner",
	MsgTMonOwners:     "owners",
}

// String returns a string representation of the message type
func (t MessageType) String() string {
	if int(t) < len(msgTNames) {
		return msgTNames[t]
	}
	return msgTNames[MsgTUnknown]
}

// IsMonitor reports whether the message type is served by the monitor
func (t MessageType) IsMonitor() bool {
	return t >= MsgTMonRegister && t <= MsgTMonOwners
}

// IsNode reports whether the message type is served by a node
func (t MessageType) IsNode() bool {
	return t >= MsgTNodeExecute && t <= MsgTNodeInfo
}

// MarshalJSON implements the json.Marshaler interface
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range msgTNames {
		if name == s {
			*t = MessageType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}
