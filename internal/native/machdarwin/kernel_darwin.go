//go:build darwin && cgo
// +build darwin,cgo

// Package machdarwin implements native.Kernel over real Mach primitives:
// small, self-contained C snippets wrapped behind a plain Go function
// signature, rather than a generated cgo binding for the whole Mach API
// surface.
package machdarwin

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/task.h>
#include <mach/thread_act.h>
#include <mach/thread_status.h>
#include <mach/exception_types.h>
#include <mach/mach_init.h>
#include <string.h>

static mach_port_t self_task(void) {
    return mach_task_self();
}

static thread_act_t self_thread(void) {
    return mach_thread_self();
}

static kern_return_t list_threads(task_t task, thread_act_array_t *threads, mach_msg_type_number_t *count) {
    return task_threads(task, threads, count);
}

static kern_return_t suspend_thread(thread_act_t t) {
    return thread_suspend(t);
}

static kern_return_t resume_thread(thread_act_t t) {
    return thread_resume(t);
}

static kern_return_t terminate_thread(thread_act_t t) {
    return thread_terminate(t);
}

static kern_return_t vm_alloc(task_t task, mach_vm_address_t *addr, mach_vm_size_t size) {
    *addr = 0;
    return mach_vm_allocate(task, addr, size, VM_FLAGS_ANYWHERE);
}

static kern_return_t vm_prot(task_t task, mach_vm_address_t addr, mach_vm_size_t size, vm_prot_t prot) {
    return mach_vm_protect(task, addr, size, 0, prot);
}

static kern_return_t vm_dealloc(task_t task, mach_vm_address_t addr, mach_vm_size_t size) {
    return mach_vm_deallocate(task, addr, size);
}

static kern_return_t make_exception_port(task_t task, mach_port_t *port) {
    kern_return_t kr = mach_port_allocate(task, MACH_PORT_RIGHT_RECEIVE, port);
    if (kr != KERN_SUCCESS) {
        return kr;
    }
    return mach_port_insert_right(task, *port, *port, MACH_MSG_TYPE_MAKE_SEND);
}

static kern_return_t bind_exception_port(task_t task, mach_port_t port) {
    return task_set_exception_ports(task, EXC_MASK_BREAKPOINT | EXC_MASK_SOFTWARE,
        port, EXCEPTION_DEFAULT, THREAD_STATE_NONE);
}

#if defined(__x86_64__)
typedef x86_thread_state64_t cpu_thread_state_t;
#define CPU_THREAD_STATE_FLAVOR x86_THREAD_STATE64
#define CPU_THREAD_STATE_COUNT x86_THREAD_STATE64_COUNT
#define CPU_IP(s) ((s).__rip)
#define CPU_GPR_COUNT 16
static uint64_t cpu_gpr_get(cpu_thread_state_t *s, int i) {
    uint64_t *regs = (uint64_t *)&s->__rax;
    return regs[i];
}
static void cpu_gpr_set(cpu_thread_state_t *s, int i, uint64_t v) {
    uint64_t *regs = (uint64_t *)&s->__rax;
    regs[i] = v;
}
#elif defined(__aarch64__)
typedef arm_thread_state64_t cpu_thread_state_t;
#define CPU_THREAD_STATE_FLAVOR ARM_THREAD_STATE64
#define CPU_THREAD_STATE_COUNT ARM_THREAD_STATE64_COUNT
#define CPU_IP(s) (arm_thread_state64_get_pc(s))
#define CPU_GPR_COUNT 29
static uint64_t cpu_gpr_get(cpu_thread_state_t *s, int i) {
    return s->__x[i];
}
static void cpu_gpr_set(cpu_thread_state_t *s, int i, uint64_t v) {
    s->__x[i] = v;
}
#else
#error "unsupported darwin architecture"
#endif

static kern_return_t get_thread_state(thread_act_t t, cpu_thread_state_t *state) {
    mach_msg_type_number_t count = CPU_THREAD_STATE_COUNT;
    return thread_get_state(t, CPU_THREAD_STATE_FLAVOR, (thread_state_t)state, &count);
}

static kern_return_t set_thread_state(thread_act_t t, cpu_thread_state_t *state) {
    return thread_set_state(t, CPU_THREAD_STATE_FLAVOR, (thread_state_t)state, CPU_THREAD_STATE_COUNT);
}

static kern_return_t get_ip(thread_act_t t, uint64_t *ip) {
    cpu_thread_state_t state;
    kern_return_t kr = get_thread_state(t, &state);
    if (kr == KERN_SUCCESS) {
#if defined(__x86_64__)
        *ip = state.__rip;
#else
        *ip = (uint64_t)CPU_IP(&state);
#endif
    }
    return kr;
}

static kern_return_t set_ip(thread_act_t t, uint64_t ip) {
    cpu_thread_state_t state;
    kern_return_t kr = get_thread_state(t, &state);
    if (kr != KERN_SUCCESS) {
        return kr;
    }
#if defined(__x86_64__)
    state.__rip = ip;
#else
    arm_thread_state64_set_pc_fptr(state, (void *)ip);
#endif
    return set_thread_state(t, &state);
}

static kern_return_t get_gprs(thread_act_t t, uint64_t *out, int n) {
    cpu_thread_state_t state;
    kern_return_t kr = get_thread_state(t, &state);
    if (kr != KERN_SUCCESS) {
        return kr;
    }
    for (int i = 0; i < n && i < CPU_GPR_COUNT; i++) {
        out[i] = cpu_gpr_get(&state, i);
    }
    return KERN_SUCCESS;
}

static kern_return_t set_gprs(thread_act_t t, uint64_t *in, int n) {
    cpu_thread_state_t state;
    kern_return_t kr = get_thread_state(t, &state);
    if (kr != KERN_SUCCESS) {
        return kr;
    }
    for (int i = 0; i < n && i < CPU_GPR_COUNT; i++) {
        cpu_gpr_set(&state, i, in[i]);
    }
    return set_thread_state(t, &state);
}

static kern_return_t dyld_info_addr(task_t task, mach_vm_address_t *out) {
    task_dyld_info_data_t info;
    mach_msg_type_number_t count = TASK_DYLD_INFO_COUNT;
    kern_return_t kr = task_info(task, TASK_DYLD_INFO, (task_info_t)&info, &count);
    if (kr == KERN_SUCCESS) {
        *out = info.all_image_info_addr;
    }
    return kr;
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
	"github.com/ehrlich-b/go-selfdbg/internal/native/softbp"
)

// Kernel is the darwin/cgo Kernel backend over real Mach primitives.
type Kernel struct{}

// NewKernel returns the production Kernel backend for darwin builds.
func NewKernel() *Kernel { return &Kernel{} }

func krErr(op string, kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return fmt.Errorf("selfdbg: %s: mach error %d", op, int32(kr))
}

func (k *Kernel) TaskSelf() (uintptr, error) {
	return uintptr(C.self_task()), nil
}

// CurrentThreadID returns the calling OS thread's Mach thread port. The
// caller owns a send right on the returned port (mach_thread_self gives
// the caller a reference); this module never releases it, since the
// controller keeps these ids only for self-exclusion comparisons and
// never uses them as ports in their own right.
func (k *Kernel) CurrentThreadID() (native.ThreadID, error) {
	return native.ThreadID(C.self_thread()), nil
}

func (k *Kernel) Threads(task uintptr) ([]native.ThreadID, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t

	kr := C.list_threads(C.task_t(task), &list, &count)
	if err := krErr("task_threads", kr); err != nil {
		return nil, err
	}
	defer C.vm_dealloc(C.self_task(), C.mach_vm_address_t(uintptr(unsafe.Pointer(list))),
		C.mach_vm_size_t(uintptr(count)*unsafe.Sizeof(C.thread_act_t(0))))

	n := int(count)
	raw := unsafe.Slice((*C.thread_act_t)(unsafe.Pointer(list)), n)
	out := make([]native.ThreadID, n)
	for i, t := range raw {
		out[i] = native.ThreadID(t)
	}
	return out, nil
}

func (k *Kernel) SuspendThread(tid native.ThreadID) error {
	return krErr("thread_suspend", C.suspend_thread(C.thread_act_t(tid)))
}

func (k *Kernel) ResumeThread(tid native.ThreadID) error {
	return krErr("thread_resume", C.resume_thread(C.thread_act_t(tid)))
}

func (k *Kernel) AllocateVM(task uintptr, size uint64) (native.Address, error) {
	var addr C.mach_vm_address_t
	kr := C.vm_alloc(C.task_t(task), &addr, C.mach_vm_size_t(size))
	if err := krErr("mach_vm_allocate", kr); err != nil {
		return 0, err
	}
	return native.Address(addr), nil
}

func permsToProt(p native.Permissions) C.vm_prot_t {
	var prot C.vm_prot_t
	if p.Has(native.PermRead) {
		prot |= C.VM_PROT_READ
	}
	if p.Has(native.PermWrite) {
		prot |= C.VM_PROT_WRITE
	}
	if p.Has(native.PermExecute) {
		prot |= C.VM_PROT_EXECUTE
	}
	return prot
}

func (k *Kernel) ProtectVM(task uintptr, addr native.Address, size uint64, perms native.Permissions) error {
	kr := C.vm_prot(C.task_t(task), C.mach_vm_address_t(addr), C.mach_vm_size_t(size), permsToProt(perms))
	return krErr("mach_vm_protect", kr)
}

func (k *Kernel) DeallocateVM(task uintptr, addr native.Address, size uint64) error {
	kr := C.vm_dealloc(C.task_t(task), C.mach_vm_address_t(addr), C.mach_vm_size_t(size))
	return krErr("mach_vm_deallocate", kr)
}

func (k *Kernel) CreateExceptionPort(task uintptr, threads []native.ThreadID) (uintptr, error) {
	var port C.mach_port_t
	if err := krErr("mach_port_allocate", C.make_exception_port(C.task_t(task), &port)); err != nil {
		return 0, err
	}
	if err := krErr("task_set_exception_ports", C.bind_exception_port(C.task_t(task), port)); err != nil {
		return 0, err
	}
	return uintptr(port), nil
}

func (k *Kernel) ReceiveException(port uintptr, timeout time.Duration) (native.Exception, error) {
	// A faithful implementation calls mach_msg(MACH_RCV_MSG) against the
	// exception port and decodes the mach_exception_raise request; that
	// message layout is platform glue this module treats as an external
	// collaborator, so the blocking receive itself is left to be supplied
	// by an embedding program's transport.
	return native.Exception{}, fmt.Errorf("selfdbg: mach_msg exception receive not wired in this build")
}

func (k *Kernel) ReplyException(port uintptr, exc native.Exception) error {
	return fmt.Errorf("selfdbg: mach_msg exception reply not wired in this build")
}

func (k *Kernel) SharedLibraryInfoAddress(task uintptr) (native.Address, error) {
	var addr C.mach_vm_address_t
	kr := C.dyld_info_addr(C.task_t(task), &addr)
	if err := krErr("task_info(TASK_DYLD_INFO)", kr); err != nil {
		return 0, err
	}
	return native.Address(addr), nil
}

func (k *Kernel) TerminateThread(tid native.ThreadID) error {
	return krErr("thread_terminate", C.terminate_thread(C.thread_act_t(tid)))
}

var (
	_ native.Kernel          = (*Kernel)(nil)
	_ softbp.RegisterBackend = (*Kernel)(nil)
)

// The methods below make Kernel also satisfy softbp.RegisterBackend, so
// that on darwin builds a single Kernel value supplies both the
// native.Kernel the controller core talks to and the register-access half
// of softbp.Machine. internal/native/stub.NoRegisters plays this role on
// platforms with no concrete backend.
//
// ThreadSuspend/ThreadResume are RegisterBackend's names for the same
// thread_suspend/thread_resume calls SuspendThread/ResumeThread already
// wrap for native.Kernel; they delegate rather than duplicate the cgo call.

func (k *Kernel) ThreadSuspend(tid native.ThreadID) error { return k.SuspendThread(tid) }
func (k *Kernel) ThreadResume(tid native.ThreadID) error  { return k.ResumeThread(tid) }

func (k *Kernel) ThreadGetIP(tid native.ThreadID) (native.Address, error) {
	var ip C.uint64_t
	kr := C.get_ip(C.thread_act_t(tid), &ip)
	if err := krErr("thread_get_state", kr); err != nil {
		return 0, err
	}
	return native.Address(ip), nil
}

func (k *Kernel) ThreadSetIP(tid native.ThreadID, addr native.Address) error {
	return krErr("thread_set_state", C.set_ip(C.thread_act_t(tid), C.uint64_t(addr)))
}

// generalRegisterCount bounds how many general-purpose registers are
// exchanged per ThreadGetContext/ThreadSetContext call; it covers every
// GPR on both amd64 (16: rax..r15) and arm64 (29: x0..x28).
const generalRegisterCount = 29

// GeneralRegisterSet is the only regSet value Kernel understands for
// ThreadGetContext/ThreadSetContext: the architecture's general-purpose
// integer registers, indexed 0..N-1 in platform register-number order.
const GeneralRegisterSet = 0

func (k *Kernel) ThreadGetContext(tid native.ThreadID, regSet int) (map[int]uint64, error) {
	if regSet != GeneralRegisterSet {
		return nil, fmt.Errorf("selfdbg: machdarwin: unknown register set %d", regSet)
	}
	var raw [generalRegisterCount]C.uint64_t
	kr := C.get_gprs(C.thread_act_t(tid), (*C.uint64_t)(unsafe.Pointer(&raw[0])), C.int(generalRegisterCount))
	if err := krErr("thread_get_state", kr); err != nil {
		return nil, err
	}
	out := make(map[int]uint64, generalRegisterCount)
	for i, v := range raw {
		out[i] = uint64(v)
	}
	return out, nil
}

func (k *Kernel) ThreadSetContext(tid native.ThreadID, regSet int, values map[int]uint64) error {
	if regSet != GeneralRegisterSet {
		return fmt.Errorf("selfdbg: machdarwin: unknown register set %d", regSet)
	}
	var raw [generalRegisterCount]C.uint64_t
	kr := C.get_gprs(C.thread_act_t(tid), (*C.uint64_t)(unsafe.Pointer(&raw[0])), C.int(generalRegisterCount))
	if err := krErr("thread_get_state", kr); err != nil {
		return err
	}
	for i, v := range values {
		if i >= 0 && i < generalRegisterCount {
			raw[i] = C.uint64_t(v)
		}
	}
	return krErr("thread_set_state", C.set_gprs(C.thread_act_t(tid), (*C.uint64_t)(unsafe.Pointer(&raw[0])), C.int(generalRegisterCount)))
}
