package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Unbounded marks a constraint without an upper limit
const Unbounded = -1

// Constraint is the cardinality rule of a component prototype.
//
// Accepted forms (as written in bundle definitions):
//
//	[]        / [any]  / [0,+]   any number of hosts
//	[+]                          every host of the cluster, at least one
//	[odd]                        an odd number of hosts
//	[N,odd]                      at least N hosts and an odd count (0 allowed when N is 0)
//	[N]                          exactly N hosts
//	[N,+]                        at least N hosts
//	[N,M]                        between N and M hosts
type Constraint struct {
	Min int
	Max int
	Odd bool
	All bool
	raw []string
}

// Any is the constraint of a component that declares none
var Any = Constraint{Min: 0, Max: Unbounded}

// ParseConstraint parses the list form of a constraint
func ParseConstraint(parts []string) (Constraint, error) {
	raw := make([]string, len(parts))
	for i, p := range parts {
		raw[i] = strings.TrimSpace(p)
	}
	c := Constraint{Max: Unbounded, raw: raw}

	switch len(raw) {
	case 0:
		return c, nil
	case 1:
		switch raw[0] {
		case "any":
			return c, nil
		case "+":
			c.All = true
			c.Min = 1
			return c, nil
		case "odd":
			c.Odd = true
			c.Min = 1
			return c, nil
		}
		n, err := parseCount(raw[0])
		if err != nil {
			return Constraint{}, err
		}
		c.Min, c.Max = n, n
		return c, nil
	case 2:
		n, err := parseCount(raw[0])
		if err != nil {
			return Constraint{}, err
		}
		c.Min = n
		switch raw[1] {
		case "+":
			return c, nil
		case "odd":
			c.Odd = true
			return c, nil
		}
		m, err := parseCount(raw[1])
		if err != nil {
			return Constraint{}, err
		}
		if m < n {
			return Constraint{}, fmt.Errorf("constraint [%s] has max below min", strings.Join(raw, ","))
		}
		c.Max = m
		return c, nil
	}
	return Constraint{}, fmt.Errorf("constraint [%s] has too many elements", strings.Join(raw, ","))
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid constraint element %q", s)
	}
	return n, nil
}

// MustParse parses a constraint and panics on error; for tests and literals
func MustParse(parts ...string) Constraint {
	c, err := ParseConstraint(parts)
	if err != nil {
		panic(err)
	}
	return c
}

// Satisfied reports whether count mapped hosts satisfy the constraint in a
// cluster with clusterHosts attached hosts
func (c Constraint) Satisfied(count, clusterHosts int) bool {
	if c.All {
		return count >= 1 && count >= clusterHosts
	}
	if c.Odd {
		if count == 0 {
			return c.Min == 0
		}
		if count%2 == 0 {
			return false
		}
	}
	if count < c.Min {
		return false
	}
	if c.Max != Unbounded && count > c.Max {
		return false
	}
	return true
}

// String renders the constraint the way it was declared
func (c Constraint) String() string {
	if len(c.raw) == 0 {
		switch {
		case c.All:
			return "+"
		case c.Odd && c.Min == 1:
			return "odd"
		case c.Max == Unbounded && c.Min == 0:
			return "0,+"
		case c.Max == Unbounded:
			return fmt.Sprintf("%d,+", c.Min)
		case c.Min == c.Max:
			return strconv.Itoa(c.Min)
		}
		return fmt.Sprintf("%d,%d", c.Min, c.Max)
	}
	return strings.Join(c.raw, ",")
}
