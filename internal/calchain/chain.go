// Package calchain models the calibration tables produced during a
// self-calibration run and the order in which they must be applied.
package calchain

import (
	"fmt"
	"strings"
)

// Mode is a calibration mode.
type Mode string

const (
	Phase          Mode = "phase"
	Amplitude      Mode = "amplitude"
	AmplitudePhase Mode = "amplitude+phase"
)

// BaselineSnapshot is the flag version saved before the first phase
// iteration. Restoring it undoes every flag change the run made.
const BaselineSnapshot = "before_phasecal"

// CalMode returns the gain-solve calmode keyword.
func (m Mode) CalMode() string {
	switch m {
	case Phase:
		return "p"
	case Amplitude:
		return "a"
	case AmplitudePhase:
		return "ap"
	}
	panic(fmt.Sprintf("calchain: unknown mode %q", string(m)))
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == Phase || m == Amplitude || m == AmplitudePhase
}

// TableName is the calibration table produced by iteration i of mode m.
func TableName(m Mode, i int) string {
	switch m {
	case Phase:
		return fmt.Sprintf("pcal%d", i)
	case Amplitude:
		return fmt.Sprintf("ampcal_%d", i)
	case AmplitudePhase:
		return fmt.Sprintf("apcal_%d", i)
	}
	panic(fmt.Sprintf("calchain: unknown mode %q", string(m)))
}

// SnapshotName is the flag version saved after iteration i of mode m applied
// its table.
func SnapshotName(m Mode, i int) string {
	return "after_" + strings.Replace(TableName(m, i), "_", "", 1)
}

// ImageName is the image produced at the start of iteration i of mode m.
func ImageName(base string, m Mode, i int) string {
	switch m {
	case Phase:
		return fmt.Sprintf("%s_ph%d", base, i)
	case Amplitude:
		return fmt.Sprintf("%s_a%d", base, i)
	case AmplitudePhase:
		return fmt.Sprintf("%s_ap%d", base, i)
	}
	panic(fmt.Sprintf("calchain: unknown mode %q", string(m)))
}

// Solution is one calibration table.
type Solution struct {
	Name      string
	Mode      Mode // empty for a table produced outside this run
	Iteration int
	Solint    string
	MinSNR    float64
	Combine   string
	Normalize bool
	Parents   []*Solution // applied before this table, in order
}

// External wraps a table produced outside the current run so it can act as
// a parent.
func External(name string) *Solution {
	return &Solution{Name: name, Iteration: -1}
}

// ParentNames returns the names of the direct parents.
func (s *Solution) ParentNames() []string {
	names := make([]string, len(s.Parents))
	for i, p := range s.Parents {
		names[i] = p.Name
	}
	return names
}

// Lineage returns every table that must be applied before s, ancestors
// first. A table reachable through more than one path appears once, at its
// earliest position.
func (s *Solution) Lineage() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*Solution)
	walk = func(n *Solution) {
		for _, p := range n.Parents {
			walk(p)
			if !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p.Name)
			}
		}
	}
	walk(s)
	return out
}

// ApplyOrder returns the table list for applying s: its lineage followed by
// s itself.
func (s *Solution) ApplyOrder() []string {
	return append(s.Lineage(), s.Name)
}

// Chain is the append-only record of the tables produced in one run.
type Chain struct {
	solutions []*Solution
	byName    map[string]*Solution
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{byName: make(map[string]*Solution)}
}

// Append adds s as the new head. A duplicate or empty name is a programming
// error and panics.
func (c *Chain) Append(s *Solution) {
	if s == nil || s.Name == "" {
		panic("calchain: solution without a name")
	}
	if _, dup := c.byName[s.Name]; dup {
		panic(fmt.Sprintf("calchain: table name %q already used in this run", s.Name))
	}
	for _, p := range s.Parents {
		if p.Name == s.Name {
			panic(fmt.Sprintf("calchain: table %q lists itself as a parent", s.Name))
		}
	}
	c.byName[s.Name] = s
	c.solutions = append(c.solutions, s)
}

// Head returns the most recently appended solution, or nil.
func (c *Chain) Head() *Solution {
	if len(c.solutions) == 0 {
		return nil
	}
	return c.solutions[len(c.solutions)-1]
}

// HeadOf returns the most recent solution of mode m, or nil.
func (c *Chain) HeadOf(m Mode) *Solution {
	for i := len(c.solutions) - 1; i >= 0; i-- {
		if c.solutions[i].Mode == m {
			return c.solutions[i]
		}
	}
	return nil
}

// Get looks a solution up by table name.
func (c *Chain) Get(name string) (*Solution, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Len returns the number of solutions.
func (c *Chain) Len() int { return len(c.solutions) }

// Solutions returns the solutions in production order.
func (c *Chain) Solutions() []*Solution {
	out := make([]*Solution, len(c.solutions))
	copy(out, c.solutions)
	return out
}
