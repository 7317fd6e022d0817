package deployment

import "fmt"

// IdentifierClass names a family of scarce remote identifiers.
type IdentifierClass string

// Identifier classes tracked by the resource ledger.
const (
	ClassVMID       IdentifierClass = "vm-id"
	ClassIPAddress  IdentifierClass = "ip-address"
	ClassVolumeName IdentifierClass = "volume-name"
)

// Constraint narrows which identifier a claim accepts.
// An empty Exact means any free value from the class pool.
type Constraint struct {
	Exact string `json:"exact,omitempty"`
}

// Any returns a constraint accepting the lowest free identifier of the pool.
func Any() Constraint { return Constraint{} }

// Exact returns a constraint pinning one identifier value.
func Exact(value string) Constraint { return Constraint{Exact: value} }

// IsExact reports whether the constraint pins a single value.
func (c Constraint) IsExact() bool { return c.Exact != "" }

func (c Constraint) String() string {
	if c.IsExact() {
		return c.Exact
	}
	return "any"
}

// Claim declares that a stage needs a reserved identifier, bound to an input name.
type Claim struct {
	Class      IdentifierClass `json:"class"`
	Constraint Constraint      `json:"constraint"`
	Bind       string          `json:"bind"`
}

func (c Claim) String() string {
	return fmt.Sprintf("%s(%s)->%s", c.Class, c.Constraint, c.Bind)
}
