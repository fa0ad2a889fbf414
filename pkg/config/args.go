package config

import (
	"errors"
	"fmt"
	"net"
)

// ErrMissingArgument is returned when a legacy flag is not followed by its values.
var ErrMissingArgument = errors.New("missing argument")

// NormalizeArgs rewrites the single-dash command line
//
//	-port <port> -server <address> <port> [-server <address> <port> ...]
//
// into kingpin flags (--port <port> --server <address:port> ...).
// Anything else is passed through untouched.
func NormalizeArgs(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-port":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-port: %w", ErrMissingArgument)
			}
			out = append(out, "--port", args[i+1])
			i++
		case "-server":
			if i+2 >= len(args) {
				return nil, fmt.Errorf("-server requires <address> <port>: %w", ErrMissingArgument)
			}
			out = append(out, "--server", net.JoinHostPort(args[i+1], args[i+2]))
			i += 2
		default:
			out = append(out, args[i])
		}
	}
	return out, nil
}
