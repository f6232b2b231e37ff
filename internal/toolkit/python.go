package toolkit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Arg is one keyword argument of a task call.
type Arg struct {
	Name  string
	Value interface{}
}

// Raw is emitted into the script verbatim.
type Raw string

// Call is a single toolkit task invocation. Arguments render in the order
// given so scripts are byte-for-byte reproducible.
type Call struct {
	Module string // defaults to casatasks
	Task   string
	Args   []Arg
}

// Kw builds a keyword argument.
func Kw(name string, value interface{}) Arg {
	return Arg{Name: name, Value: value}
}

func (c Call) module() string {
	if c.Module == "" {
		return "casatasks"
	}
	return c.Module
}

// String renders the call as a Python statement.
func (c Call) String() string {
	parts := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		parts = append(parts, a.Name+"="+Literal(a.Value))
	}
	return c.Task + "(" + strings.Join(parts, ", ") + ")"
}

// Script renders a complete Python program that changes into workDir,
// imports every task used and runs the calls in order.
func Script(workDir string, calls ...Call) string {
	var b strings.Builder
	b.WriteString("import os\n")

	seen := make(map[string]bool)
	for _, c := range calls {
		key := c.module() + "." + c.Task
		if seen[key] {
			continue
		}
		seen[key] = true
		fmt.Fprintf(&b, "from %s import %s\n", c.module(), c.Task)
	}

	fmt.Fprintf(&b, "os.chdir(%s)\n", Literal(workDir))
	for _, c := range calls {
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Literal renders v as a Python literal. Floats always carry a decimal point
// so the toolkit's type checks see a double. Unsupported types panic.
func Literal(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case Raw:
		return string(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return quote(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return floatLiteral(x)
	case []string:
		items := make([]string, len(x))
		for i, s := range x {
			items[i] = quote(s)
		}
		return list(items)
	case []int:
		items := make([]string, len(x))
		for i, n := range x {
			items[i] = strconv.Itoa(n)
		}
		return list(items)
	case []float64:
		items := make([]string, len(x))
		for i, f := range x {
			items[i] = floatLiteral(f)
		}
		return list(items)
	case [][]int:
		items := make([]string, len(x))
		for i, inner := range x {
			items[i] = Literal(inner)
		}
		return list(items)
	case []interface{}:
		items := make([]string, len(x))
		for i, inner := range x {
			items[i] = Literal(inner)
		}
		return list(items)
	default:
		panic(fmt.Sprintf("toolkit: no Python literal for %T", v))
	}
}

func list(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}

func floatLiteral(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "float('inf')"
	case math.IsInf(f, -1):
		return "float('-inf')"
	case math.IsNaN(f):
		return "float('nan')"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
