//go:build darwin

package processes

/*
#include <libproc.h>
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"unsafe"
)

func listNative(uid int) ([]Process, error) {
	pids, err := allPIDs()
	if err != nil {
		return nil, err
	}
	var procs []Process
	for _, pid := range pids {
		if p, ok := readProc(pid, uid); ok {
			procs = append(procs, p)
		}
	}
	return procs, nil
}

// readProc mirrors the linux reader: the process must belong to uid and
// expose at least one of its executable or working directory.
func readProc(pid, uid int) (Process, bool) {
	var bsd C.struct_proc_bsdinfo
	if !pidinfo(pid, C.PROC_PIDTBSDINFO, unsafe.Pointer(&bsd), C.int(unsafe.Sizeof(bsd))) {
		return Process{}, false
	}
	if int(bsd.pbi_uid) != uid {
		return Process{}, false
	}

	var cwd string
	var vnode C.struct_proc_vnodepathinfo
	if pidinfo(pid, C.PROC_PIDVNODEPATHINFO, unsafe.Pointer(&vnode), C.int(unsafe.Sizeof(vnode))) {
		cwd = C.GoString(&vnode.pvi_cdir.vip_path[0])
	}
	exe := executablePath(pid)
	if exe == "" && cwd == "" {
		return Process{}, false
	}

	// pbi_comm is truncated to 16 bytes; the executable path is not.
	command := C.GoString(&bsd.pbi_comm[0])
	if exe != "" {
		command = filepath.Base(exe)
	}
	return Process{
		PID:     pid,
		PPID:    int(bsd.pbi_ppid),
		Command: sanitizeCommand(command, pid),
		Exe:     exe,
		CWD:     cwd,
	}, true
}

// pidinfo fills buf with the given flavor. EPERM and ESRCH surface as a
// short or failed read and are treated like any other unreadable process.
func pidinfo(pid int, flavor C.int, buf unsafe.Pointer, size C.int) bool {
	ret, err := C.proc_pidinfo(C.int(pid), flavor, 0, buf, size)
	return err == nil && ret == size
}

func executablePath(pid int) string {
	buf := make([]byte, C.PROC_PIDPATHINFO_MAXSIZE)
	ret, _ := C.proc_pidpath(C.int(pid), unsafe.Pointer(&buf[0]), C.uint32_t(len(buf)))
	if ret <= 0 {
		return ""
	}
	return string(buf[:ret])
}

func allPIDs() ([]int, error) {
	size := C.proc_listpids(C.PROC_ALL_PIDS, 0, nil, 0)
	if size <= 0 {
		return nil, fmt.Errorf("proc_listpids: size %d", size)
	}
	buf := make([]C.pid_t, int(size)/int(unsafe.Sizeof(C.pid_t(0))))
	if len(buf) == 0 {
		return nil, nil
	}
	ret := C.proc_listpids(C.PROC_ALL_PIDS, 0, unsafe.Pointer(&buf[0]), size)
	if ret <= 0 {
		return nil, fmt.Errorf("proc_listpids: returned %d", ret)
	}
	n := int(ret) / int(unsafe.Sizeof(C.pid_t(0)))
	pids := make([]int, 0, n)
	for _, pid := range buf[:n] {
		if pid > 0 {
			pids = append(pids, int(pid))
		}
	}
	return pids, nil
}
