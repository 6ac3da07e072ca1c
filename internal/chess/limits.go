package chess

import (
	"fmt"
	"strconv"
	"strings"
)

// BuildGoCommand renders the UCI "go" tokens for the band's search limits.
func BuildGoCommand(s Strength) ([]string, error) {
	if err := ValidateStrength(s); err != nil {
		return nil, err
	}

	args := []string{"go"}
	if s.DepthCap > 0 {
		args = append(args, "depth", strconv.Itoa(s.DepthCap))
	}
	if s.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(s.MoveTimeMillis))
	}
	if s.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(s.NodeCap))
	}

	if len(args) == 1 {
		return nil, fmt.Errorf("strength %s does not define search limits", s.Band)
	}

	return args, nil
}

func FormatGoCommand(s Strength) (string, error) {
	args, err := BuildGoCommand(s)
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}
