package control

import "encoding/json"

// Command is a parsed remote instruction.
type Command int

const (
	Unknown Command = iota
	Start
	Stop
)

func (c Command) String() string {
	switch c {
	case Start:
		return "start"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Version is the only command document version understood.
const Version = 1

type document struct {
	Version *int   `json:"version"`
	Command string `json:"command"`
}

// Parse decodes a command document such as {"version":1,"command":"start"}.
// A missing version means Version. Anything malformed, of another version or
// naming an unsupported command is Unknown.
func Parse(body []byte) Command {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Unknown
	}
	if doc.Version != nil && *doc.Version != Version {
		return Unknown
	}

	switch doc.Command {
	case "start":
		return Start
	case "stop":
		return Stop
	}
	return Unknown
}
