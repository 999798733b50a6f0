package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
)

// BuiltinPluginID is the plugin id of the commands added by RegisterBuiltins
const BuiltinPluginID = "builtin"

// RegisterBuiltins adds utility commands that need no external plugin:
//
//	echo   returns its parameters
//	sleep  waits for the "duration" parameter, honouring cancellation
//	fail   fails with "message"; "permanent": true disables retries
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]CommandFunc{
		"echo":  echoCommand,
		"sleep": sleepCommand,
		"fail":  failCommand,
	}
	for name, fn := range builtins {
		if err := r.Register(BuiltinPluginID, name, fn); err != nil {
			return err
		}
	}
	return nil
}

func echoCommand(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return domain.CloneMap(params), nil
}

func sleepCommand(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	raw, _ := params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid duration %q: %w", raw, err))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]interface{}{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failCommand(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "step failed"
	}
	err := errors.New(msg)
	if permanent, _ := params["permanent"].(bool); permanent {
		return nil, Permanent(err)
	}
	return nil, err
}
