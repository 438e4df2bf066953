package signaling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedCandidate = errors.New("signaling: malformed ice candidate")
	ErrNotUDPCandidate    = errors.New("signaling: ice candidate is not udp")
)

// CandidatePort extracts the port from an ICE candidate line:
//
//	candidate:<foundation> <component> <transport> <priority> <address> <port> typ ...
//
// The port is the sixth space-separated field. It is returned in canonical
// decimal form so it matches the source ports the relay loop sees.
//
// Unlike a bare sixth-field pick, non-UDP candidates are rejected with
// ErrNotUDPCandidate and port 0 is malformed: a TCP candidate such as
// "... TCP ... 9 typ host" would otherwise replace the session's UDP binding.
func CandidatePort(candidate string) (string, error) {
	fields := strings.Fields(candidate)
	if len(fields) < 6 {
		return "", fmt.Errorf("%w: %d fields", ErrMalformedCandidate, len(fields))
	}
	if !strings.EqualFold(fields[2], "udp") {
		return "", fmt.Errorf("%w: transport %q", ErrNotUDPCandidate, fields[2])
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil || port == 0 {
		return "", fmt.Errorf("%w: port %q", ErrMalformedCandidate, fields[5])
	}
	return strconv.FormatUint(port, 10), nil
}
