package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brandonbloom/pinenv/internal/processes"
)

const defaultProcessSummaryLimit = 80

// envProcesses lists processes running from inside dir. Platforms without
// process detection report none.
func envProcesses(dir string) []processes.Process {
	procs, err := processes.List()
	if err != nil {
		return nil
	}
	return processes.Within(procs, dir)
}

// summarizeProcesses renders procs as "python (12, 40), pytest (31)",
// grouping by program name. The first group is always shown; later groups
// are replaced by "+ N more" once the line would exceed limit.
func summarizeProcesses(procs []processes.Process, limit int) string {
	if len(procs) == 0 {
		return "-"
	}
	if limit <= 0 {
		limit = defaultProcessSummaryLimit
	}

	byLabel := map[string][]int{}
	for _, p := range procs {
		label := processLabel(p)
		byLabel[label] = append(byLabel[label], p.PID)
	}
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var parts []string
	width := 0
	for i, label := range labels {
		pids := byLabel[label]
		sort.Ints(pids)
		part := fmt.Sprintf("%s (%s)", label, joinPIDs(pids))
		if i > 0 && width+2+len(part) > limit {
			parts = append(parts, fmt.Sprintf("+ %d more", len(labels)-i))
			break
		}
		if i > 0 {
			width += 2
		}
		width += len(part)
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func processLabel(p processes.Process) string {
	if p.Exe != "" {
		return filepath.Base(p.Exe)
	}
	fields := strings.Fields(p.Command)
	if len(fields) == 0 {
		return "process"
	}
	return filepath.Base(fields[0])
}

func joinPIDs(pids []int) string {
	strs := make([]string, len(pids))
	for i, pid := range pids {
		strs[i] = strconv.Itoa(pid)
	}
	return strings.Join(strs, ", ")
}
