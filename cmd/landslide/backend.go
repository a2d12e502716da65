package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/talismancer/landslide/pkg/arbiter"
	"github.com/talismancer/landslide/pkg/choicetree"
	"github.com/talismancer/landslide/pkg/machine"
	"github.com/talismancer/landslide/pkg/saverestore"
)

// remoteBackend implements machine.Backend and saverestore.Snapshotter over
// a persistent connection to the cycle-accurate guest simulator -- the
// black box spec.md §1 places out of scope for this checker. The wire
// format is one JSON object per line each way, request then response,
// serialising every call onto the single connection the same way the
// original linked directly into the simulator's own instrumentation hooks.
type remoteBackend struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func dialBackend(addr string) (*remoteBackend, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("landslide: dialing backend %q: %w", addr, err)
	}
	return &remoteBackend{
		enc: json.NewEncoder(conn),
		dec: json.NewDecoder(bufio.NewReader(conn)),
	}, nil
}

type backendRequest struct {
	Op    string `json:"op"`
	Reg   int    `json:"reg,omitempty"`
	Value uint64 `json:"value,omitempty"`
	Addr  uint64 `json:"addr,omitempty"`
	Len   int    `json:"len,omitempty"`
	Data  []byte `json:"data,omitempty"`

	Immediate  bool   `json:"immediate,omitempty"`
	Scancode   byte   `json:"scancode,omitempty"`
	StatusCode uint32 `json:"status_code,omitempty"`
	HandlerEIP uint64 `json:"handler_eip,omitempty"`

	CheckpointID int `json:"checkpoint_id,omitempty"`
}

type backendResponse struct {
	Value        uint64 `json:"value"`
	OK           bool   `json:"ok"`
	Data         []byte `json:"data"`
	CheckpointID int    `json:"checkpoint_id"`
	Err          string `json:"err,omitempty"`

	// Populated only in response to a "next_event" request.
	Event        *backendEvent `json:"event,omitempty"`
	NoMoreEvents bool          `json:"no_more_events,omitempty"`
}

// backendEvent mirrors arbiter.Event field-for-field so it survives a
// JSON round trip; the backend assembles one per candidate instruction.
type backendEvent struct {
	EIP   uint64   `json:"eip"`
	Stack []uint64 `json:"stack"`

	// MemAccesses is the shared-memory access set observed at this
	// instruction, if any -- most instructions report none.
	MemAccesses []backendMemAccess `json:"mem_accesses,omitempty"`

	PrevTID                     int  `json:"prev_tid"`
	CurrentTID                  int  `json:"current_tid"`
	PrevHandlingTimer           bool `json:"prev_handling_timer"`
	FollowedReschedulePrimitive bool `json:"followed_reschedule_primitive"`
	IsPintosSemaphoreSpin       bool `json:"is_pintos_semaphore_spin"`

	TestStarted     bool `json:"test_started"`
	Population      int  `json:"population"`
	StartPopulation int  `json:"start_population"`

	Opcode            int    `json:"opcode"`
	LastCallEIP       uint64 `json:"last_call_eip"`
	MostRecentSyscall int    `json:"most_recent_syscall"`

	XchgBlocked   bool `json:"xchg_blocked"`
	InTransaction bool `json:"in_transaction"`

	KernelAddress      bool `json:"kernel_address"`
	InGuestYieldWindow bool `json:"in_guest_yield_window"`

	MutexLockEntry     bool `json:"mutex_lock_entry"`
	MutexUnlockExit    bool `json:"mutex_unlock_exit"`
	MakeRunnableExit   bool `json:"make_runnable_exit"`
	TrustedThrJoinExit bool `json:"trusted_thr_join_exit"`
	XbeginEntry        bool `json:"xbegin_entry"`
	XendEntry          bool `json:"xend_entry"`

	KernDecisionPoint bool `json:"kern_decision_point"`
	PintosSemDownExit bool `json:"pintos_sem_down_exit"`
	PintosSemUpExit   bool `json:"pintos_sem_up_exit"`
	CliStiWindow      bool `json:"cli_sti_window"`
}

// backendMemAccess mirrors choicetree.MemAccess for the JSON wire format.
type backendMemAccess struct {
	Addr  uint64 `json:"addr"`
	TID   int    `json:"tid"`
	Write bool   `json:"write"`
}

func (e *backendEvent) memAccesses() []choicetree.MemAccess {
	if len(e.MemAccesses) == 0 {
		return nil
	}
	out := make([]choicetree.MemAccess, len(e.MemAccesses))
	for i, m := range e.MemAccesses {
		out[i] = choicetree.MemAccess{Addr: m.Addr, TID: m.TID, Write: m.Write}
	}
	return out
}

func (e *backendEvent) toArbiterEvent() arbiter.Event {
	return arbiter.Event{
		EIP:                         e.EIP,
		Stack:                       e.Stack,
		MemAccesses:                 e.memAccesses(),
		PrevTID:                     e.PrevTID,
		CurrentTID:                  e.CurrentTID,
		PrevHandlingTimer:           e.PrevHandlingTimer,
		FollowedReschedulePrimitive: e.FollowedReschedulePrimitive,
		IsPintosSemaphoreSpin:       e.IsPintosSemaphoreSpin,
		TestStarted:                 e.TestStarted,
		Population:                  e.Population,
		StartPopulation:             e.StartPopulation,
		Opcode:                      machine.Opcode(e.Opcode),
		LastCallEIP:                 e.LastCallEIP,
		MostRecentSyscall:           e.MostRecentSyscall,
		XchgBlocked:                 e.XchgBlocked,
		InTransaction:               e.InTransaction,
		KernelAddress:               e.KernelAddress,
		InGuestYieldWindow:          e.InGuestYieldWindow,
		MutexLockEntry:              e.MutexLockEntry,
		MutexUnlockExit:             e.MutexUnlockExit,
		MakeRunnableExit:            e.MakeRunnableExit,
		TrustedThrJoinExit:          e.TrustedThrJoinExit,
		XbeginEntry:                 e.XbeginEntry,
		XendEntry:                   e.XendEntry,
		KernDecisionPoint:           e.KernDecisionPoint,
		PintosSemDownExit:           e.PintosSemDownExit,
		PintosSemUpExit:             e.PintosSemUpExit,
		CliStiWindow:                e.CliStiWindow,
	}
}

// NextEvent blocks until the backend has assembled the next candidate
// instruction's event, or reports that the branch has run to completion.
func (b *remoteBackend) NextEvent() (arbiter.Event, bool, error) {
	resp, err := b.roundTrip(backendRequest{Op: "next_event"})
	if err != nil {
		return arbiter.Event{}, false, err
	}
	if resp.NoMoreEvents || resp.Event == nil {
		return arbiter.Event{}, false, nil
	}
	return resp.Event.toArbiterEvent(), true, nil
}

func (b *remoteBackend) roundTrip(req backendRequest) (backendResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enc.Encode(req); err != nil {
		return backendResponse{}, fmt.Errorf("landslide: backend request %q: %w", req.Op, err)
	}
	var resp backendResponse
	if err := b.dec.Decode(&resp); err != nil {
		return backendResponse{}, fmt.Errorf("landslide: backend response to %q: %w", req.Op, err)
	}
	if resp.Err != "" {
		return backendResponse{}, fmt.Errorf("landslide: backend refused %q: %s", req.Op, resp.Err)
	}
	return resp, nil
}

func (b *remoteBackend) Register(r machine.Register) uint64 {
	resp, err := b.roundTrip(backendRequest{Op: "register", Reg: int(r)})
	if err != nil {
		panic(err)
	}
	return resp.Value
}

func (b *remoteBackend) SetRegister(r machine.Register, v uint64) {
	if _, err := b.roundTrip(backendRequest{Op: "set_register", Reg: int(r), Value: v}); err != nil {
		panic(err)
	}
}

func (b *remoteBackend) ReadPhysical(addr uint64, buf []byte) bool {
	resp, err := b.roundTrip(backendRequest{Op: "read_physical", Addr: addr, Len: len(buf)})
	if err != nil || !resp.OK {
		return false
	}
	copy(buf, resp.Data)
	return true
}

func (b *remoteBackend) WritePhysical(addr uint64, buf []byte) bool {
	resp, err := b.roundTrip(backendRequest{Op: "write_physical", Addr: addr, Data: buf})
	return err == nil && resp.OK
}

func (b *remoteBackend) InstructionBytes(vaddr uint64, n int) []byte {
	resp, err := b.roundTrip(backendRequest{Op: "instruction_bytes", Addr: vaddr, Len: n})
	if err != nil {
		return nil
	}
	return resp.Data
}

func (b *remoteBackend) InjectTimerInterrupt(immediate bool) {
	b.roundTrip(backendRequest{Op: "inject_timer", Immediate: immediate})
}

func (b *remoteBackend) InjectKeypress(scancode byte) {
	b.roundTrip(backendRequest{Op: "inject_keypress", Scancode: scancode})
}

func (b *remoteBackend) ForceTransactionAbort(statusCode uint32, failureHandlerEIP uint64) {
	b.roundTrip(backendRequest{Op: "force_txn_abort", StatusCode: statusCode, HandlerEIP: failureHandlerEIP})
}

// Snapshot asks the backend to save its full state and hands back an
// opaque handle, satisfying saverestore.Snapshotter.
func (b *remoteBackend) Snapshot() saverestore.Checkpoint {
	resp, err := b.roundTrip(backendRequest{Op: "snapshot"})
	if err != nil {
		panic(err)
	}
	return resp.CheckpointID
}

// Restore asks the backend to roll back to a previously snapshotted state.
func (b *remoteBackend) Restore(cp saverestore.Checkpoint) {
	id, _ := cp.(int)
	if _, err := b.roundTrip(backendRequest{Op: "restore", CheckpointID: id}); err != nil {
		panic(err)
	}
}
