package registry

import "strings"

// Capability is one thing a metric can do.
type Capability uint8

const (
	// Fetch marks metrics that can download raw data.
	Fetch Capability = 1 << 0

	// Process marks metrics that can turn inputs into outputs.
	Process Capability = 1 << 1
)

func (c Capability) String() string {
	switch c {
	case Fetch:
		return "fetch"
	case Process:
		return "process"
	default:
		return "unknown"
	}
}

// Capabilities is a bitmask of Capability values.
type Capabilities uint8

// Has reports whether cap is in the set.
func (c Capabilities) Has(cap Capability) bool {
	return uint8(c)&uint8(cap) != 0
}

// Add adds cap to the set.
func (c *Capabilities) Add(cap Capability) {
	*c = Capabilities(uint8(*c) | uint8(cap))
}

// List returns the capabilities in the set.
func (c Capabilities) List() []Capability {
	var caps []Capability
	for _, cap := range []Capability{Fetch, Process} {
		if c.Has(cap) {
			caps = append(caps, cap)
		}
	}
	return caps
}

func (c Capabilities) String() string {
	caps := c.List()
	if len(caps) == 0 {
		return "none"
	}
	strs := make([]string, len(caps))
	for i, cap := range caps {
		strs[i] = cap.String()
	}
	return strings.Join(strs, ",")
}
