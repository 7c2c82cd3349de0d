package webhook

import (
	"errors"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

// transformBudget caps one script evaluation. Webhook handlers answer inside
// the provider's timeout, so a runaway script is interrupted, not awaited.
const transformBudget = 100 * time.Millisecond

const transformInterruptReason = "transform-timeout"

// applyTransform runs the trigger's optional transform_script over the parsed
// event data. Any script failure leaves the event unmodified.
func (s *Service) applyTransform(trigger *models.TriggerModel, data map[string]interface{}) map[string]interface{} {
	script := trigger.ConfigString("transform_script")
	if script == "" {
		return data
	}

	out, err := runTransform(script, data, transformBudget)
	if err != nil {
		s.logger.Warn("transform script failed; event stored unmodified",
			zap.String("trigger_id", trigger.ID), zap.Error(err))
		return data
	}
	return out
}

// runTransform evaluates the script in a fresh VM and calls its
// transform(event) entry point. The VM is interrupted once the budget is
// spent.
func runTransform(script string, data map[string]interface{}, budget time.Duration) (map[string]interface{}, error) {
	vm := goja.New()
	timer := time.AfterFunc(budget, func() {
		vm.Interrupt(transformInterruptReason)
	})
	defer timer.Stop()

	if _, err := vm.RunString(script); err != nil {
		return nil, normalizeTransformError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, errors.New("script does not define transform(event)")
	}

	res, err := fn(goja.Undefined(), vm.ToValue(data))
	if err != nil {
		return nil, normalizeTransformError(err)
	}

	out, ok := res.Export().(map[string]interface{})
	if !ok {
		return nil, errors.New("transform must return an object")
	}
	return out, nil
}

func normalizeTransformError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) && interrupted.Value() == transformInterruptReason {
		return errors.New("transform budget exceeded")
	}
	return err
}
