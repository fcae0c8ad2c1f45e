package oscserver

import (
	"fmt"
	"math"

	"github.com/hypebeast/go-osc/osc"
)

func need(msg *osc.Message, n int) error {
	if len(msg.Arguments) < n {
		return fmt.Errorf("%w: %s wants %d arguments, got %d", ErrBadArgs, msg.Address, n, len(msg.Arguments))
	}
	return nil
}

func argInt(msg *osc.Message, i int) (int, error) {
	switch v := msg.Arguments[i].(type) {
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		if integral(float64(v)) {
			return int(v), nil
		}
	case float64:
		if integral(v) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %s argument %d is %T, want integer", ErrBadArgs, msg.Address, i, msg.Arguments[i])
}

// integral reports whether v is a whole number that fits an int32, the
// widest integer an OSC sender can mean by a float index.
func integral(v float64) bool {
	return math.Trunc(v) == v && v >= math.MinInt32 && v <= math.MaxInt32
}

func argFloat(msg *osc.Message, i int) (float64, error) {
	switch v := msg.Arguments[i].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: %s argument %d is %T, want number", ErrBadArgs, msg.Address, i, msg.Arguments[i])
}

func argBool(msg *osc.Message, i int) (bool, error) {
	switch v := msg.Arguments[i].(type) {
	case bool:
		return v, nil
	case int32:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float32:
		return v != 0, nil
	case float64:
		return v != 0, nil
	}
	return false, fmt.Errorf("%w: %s argument %d is %T, want bool", ErrBadArgs, msg.Address, i, msg.Arguments[i])
}

func argString(msg *osc.Message, i int) (string, error) {
	if v, ok := msg.Arguments[i].(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s argument %d is %T, want string", ErrBadArgs, msg.Address, i, msg.Arguments[i])
}
