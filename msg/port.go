package msg

import "fmt"

// Identifies one of the two sides of a message pipe.
type Port uint8

const (
	Port0 Port = 0
	Port1 Port = 1
)

func (p Port) Valid() bool {
	return p == Port0 || p == Port1
}

func (p Port) Peer() Port {
	return 1 - p
}

func (p Port) String() string {
	return fmt.Sprintf("Port(%d)", uint8(p))
}
