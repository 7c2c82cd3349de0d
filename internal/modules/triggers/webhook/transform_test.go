package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
)

func TestRunTransformRewritesEvent(t *testing.T) {
	script := `function transform(event) {
		return {kind: event.action, repo: event.repository, handled: true};
	}`
	data := map[string]interface{}{"action": "opened", "repository": "octo/hello"}

	out, err := runTransform(script, data, transformBudget)
	require.NoError(t, err)
	require.Equal(t, "opened", out["kind"])
	require.Equal(t, "octo/hello", out["repo"])
	require.Equal(t, true, out["handled"])
}

func TestRunTransformRequiresFunction(t *testing.T) {
	_, err := runTransform(`var x = 1;`, map[string]interface{}{}, transformBudget)
	require.ErrorContains(t, err, "does not define transform")
}

func TestRunTransformRequiresObjectResult(t *testing.T) {
	_, err := runTransform(`function transform(e) { return 42; }`, map[string]interface{}{}, transformBudget)
	require.ErrorContains(t, err, "must return an object")
}

func TestRunTransformSyntaxError(t *testing.T) {
	_, err := runTransform(`function transform(e) {`, map[string]interface{}{}, transformBudget)
	require.Error(t, err)
}

func TestRunTransformBudget(t *testing.T) {
	script := `function transform(e) { while (true) {} }`

	start := time.Now()
	_, err := runTransform(script, map[string]interface{}{}, 50*time.Millisecond)
	require.ErrorContains(t, err, "budget exceeded")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestApplyTransformFailureLeavesDataUnmodified(t *testing.T) {
	svc := NewService(nil, connectors.NewRegistry(), nil)
	trigger := &models.TriggerModel{
		Config: map[string]interface{}{"transform_script": `function transform(e) { throw new Error("boom"); }`},
	}
	trigger.ID = "tr_1"
	data := map[string]interface{}{"action": "opened"}

	out := svc.applyTransform(trigger, data)
	require.Equal(t, data, out)
}

func TestApplyTransformNoScript(t *testing.T) {
	svc := NewService(nil, connectors.NewRegistry(), nil)
	data := map[string]interface{}{"action": "opened"}

	out := svc.applyTransform(&models.TriggerModel{}, data)
	require.Equal(t, data, out)
}
