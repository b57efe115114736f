package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/server"
)

/*
demoRegistry holds the methods "rpclink serve" answers.
*/
func demoRegistry() *server.Registry {
	registry := server.NewRegistry()

	registry.Register("add", add)
	registry.Register("subtract", subtract)
	registry.Register("sleep", sleep)
	registry.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	return registry
}

func add(ctx context.Context, params json.RawMessage) (any, error) {
	var numbers []float64

	if err := jsonrpc.Bind(params, &numbers); err != nil {
		return nil, err
	}

	var sum float64

	for _, n := range numbers {
		sum += n
	}

	return sum, nil
}

/*
subtract takes [minuend, subtrahend] or {"minuend": a, "subtrahend": b}.
*/
func subtract(ctx context.Context, params json.RawMessage) (any, error) {
	var (
		positional []float64
		named      struct {
			Minuend    *float64 `json:"minuend"`
			Subtrahend *float64 `json:"subtrahend"`
		}
	)

	if err := json.Unmarshal(params, &positional); err == nil {
		if len(positional) != 2 {
			return nil, fmt.Errorf("%w: subtract takes two numbers", errors.ErrWrongArgument)
		}

		return positional[0] - positional[1], nil
	}

	if err := jsonrpc.Bind(params, &named); err != nil {
		return nil, err
	}

	if named.Minuend == nil || named.Subtrahend == nil {
		return nil, fmt.Errorf("%w: minuend and subtrahend are required", errors.ErrWrongArgument)
	}

	return *named.Minuend - *named.Subtrahend, nil
}

// sleep waits the given number of milliseconds and returns it.
func sleep(ctx context.Context, params json.RawMessage) (any, error) {
	var args []int

	if err := jsonrpc.Bind(params, &args); err != nil {
		return nil, err
	}

	if len(args) != 1 || args[0] < 0 {
		return nil, fmt.Errorf("%w: sleep takes one non-negative duration in ms", errors.ErrWrongArgument)
	}

	select {
	case <-time.After(time.Duration(args[0]) * time.Millisecond):
		return args[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
