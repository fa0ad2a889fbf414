package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CmdGet  = "GET"
	CmdSet  = "SET"
	CmdQuit = "QUIT"

	ArgNames = "NAMES"
	ArgValue = "VALUE"

	// ReplyOK prefixes every successful enumeration reply.
	ReplyOK = "OK"
	// NA is the single invalid marker: unknown key, malformed command or
	// unreachable backend.
	NA = "NA"

	// Delimiter terminates a line on stream connections and trails every datagram.
	Delimiter = '\n'
)

// ErrMalformedResponse is returned for discovery replies that do not follow
// "OK <count> <key>...".
var ErrMalformedResponse = errors.New("malformed names response")

// Verb identifies a recognized client command.
type Verb int

const (
	VerbInvalid Verb = iota
	VerbGetNames
	VerbGetValue
	VerbSet
	VerbQuit
)

func (v Verb) String() string {
	switch v {
	case VerbGetNames:
		return "get_names"
	case VerbGetValue:
		return "get_value"
	case VerbSet:
		return "set"
	case VerbQuit:
		return "quit"
	default:
		return "invalid"
	}
}

// Command is a tokenized client request.
type Command struct {
	Verb  Verb
	Key   string
	Value string
}

// TrimLine strips surrounding whitespace, including the line delimiter.
func TrimLine(line string) string {
	return strings.TrimSpace(line)
}

// ParseCommand tokenizes a request line on whitespace. Tokens past the ones a
// verb needs are ignored, so a SET value cannot contain whitespace.
func ParseCommand(line string) Command {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}
	}

	switch parts[0] {
	case CmdGet:
		if len(parts) < 2 {
			return Command{}
		}
		switch {
		case parts[1] == ArgNames:
			return Command{Verb: VerbGetNames}
		case parts[1] == ArgValue && len(parts) >= 3:
			return Command{Verb: VerbGetValue, Key: parts[2]}
		}
	case CmdSet:
		if len(parts) >= 3 {
			return Command{Verb: VerbSet, Key: parts[1], Value: parts[2]}
		}
	case CmdQuit:
		return Command{Verb: VerbQuit}
	}
	return Command{}
}

// String renders the command in its canonical backend form, without delimiter.
func (c Command) String() string {
	switch c.Verb {
	case VerbGetNames:
		return FormatGetNames()
	case VerbGetValue:
		return FormatGetValue(c.Key)
	case VerbSet:
		return FormatSet(c.Key, c.Value)
	case VerbQuit:
		return CmdQuit
	default:
		return ""
	}
}

// FormatGetNames renders the key enumeration request.
func FormatGetNames() string {
	return CmdGet + " " + ArgNames
}

// FormatGetValue renders a read request for key.
func FormatGetValue(key string) string {
	return CmdGet + " " + ArgValue + " " + key
}

// FormatSet renders a write request for key.
func FormatSet(key, value string) string {
	return CmdSet + " " + key + " " + value
}

// FormatLine appends the line delimiter.
func FormatLine(s string) string {
	return s + string(Delimiter)
}

// FormatNames renders an enumeration reply: "OK <n> <key>..." or "OK 0".
func FormatNames(keys []string) string {
	var b strings.Builder
	b.WriteString(ReplyOK)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(keys)))
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
	}
	return b.String()
}

// IsOK reports whether a backend reply is an OK reply.
func IsOK(reply string) bool {
	return strings.HasPrefix(TrimLine(reply), ReplyOK)
}

// ParseNamesResponse extracts keys from "OK <count> <key1> ... <keyN>".
// Only min(count, available tokens) keys are returned; a short or long key
// list is tolerated.
func ParseNamesResponse(reply string) ([]string, error) {
	reply = TrimLine(reply)
	if !strings.HasPrefix(reply, ReplyOK) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, reply)
	}
	parts := strings.Fields(reply)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: missing count in %q", ErrMalformedResponse, reply)
	}
	count, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid count %q", ErrMalformedResponse, parts[1])
	}

	keys := make([]string, 0)
	for i := 2; i < 2+count && i < len(parts); i++ {
		keys = append(keys, parts[i])
	}
	return keys, nil
}
