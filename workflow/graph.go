package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// TopologicalOrder returns job names so that every job comes after the jobs
// it needs. Ties keep declaration order.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(w.Jobs))
	dependents := make(map[string][]string, len(w.Jobs))
	for _, j := range w.Jobs {
		if _, ok := indegree[j.Name]; ok {
			return nil, fmt.Errorf("job %s: %w", j.Name, ErrDuplicateName)
		}
		indegree[j.Name] = 0
	}
	for _, j := range w.Jobs {
		for _, need := range j.Needs {
			if _, ok := w.Job(need); !ok {
				return nil, fmt.Errorf("job %s: needs undeclared job %s", j.Name, need)
			}
			indegree[j.Name]++
			dependents[need] = append(dependents[need], j.Name)
		}
	}

	var order []string
	done := make(map[string]bool, len(w.Jobs))
	for len(order) < len(w.Jobs) {
		progressed := false
		for _, j := range w.Jobs {
			if done[j.Name] || indegree[j.Name] > 0 {
				continue
			}
			done[j.Name] = true
			order = append(order, j.Name)
			for _, d := range dependents[j.Name] {
				indegree[d]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, j := range w.Jobs {
				if !done[j.Name] {
					stuck = append(stuck, j.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle between jobs: %s", strings.Join(stuck, ", "))
		}
	}

	return order, nil
}

// findCycle returns one dependency cycle as a path (first element repeated
// at the end), or nil.
func (w *Workflow) findCycle() []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(w.Jobs))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		job, _ := w.Job(name)
		for _, need := range job.Needs {
			if _, ok := w.Job(need); !ok {
				continue
			}
			switch state[need] {
			case visiting:
				start := slices.Index(stack, need)
				cycle = append(slices.Clone(stack[start:]), need)
				return true
			case unvisited:
				if visit(need) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		return false
	}

	for _, j := range w.Jobs {
		if state[j.Name] == unvisited && visit(j.Name) {
			return cycle
		}
	}
	return nil
}
