package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

func TestDefinitionYAML_RoundTrip(t *testing.T) {
	timeout := 30 * time.Second
	delay := 2 * time.Second
	def := &model.WorkflowDefinition{
		ID:      "deploy",
		Version: 3,
		Steps: []model.StepDefinition{
			{
				ID:                   "build",
				Kind:                 model.StepJob,
				Command:              "build.run",
				Pattern:              "worker-*",
				RequiredCapabilities: []string{"docker"},
				MaxRetries:           2,
				OutputVariable:       "buildResult",
				JobTimeout:           &timeout,
			},
			{
				ID:        "cooldown",
				Kind:      model.StepDelay,
				DependsOn: []string{"build"},
				Duration:  &delay,
			},
			{
				ID:        "notify",
				Kind:      model.StepConditional,
				DependsOn: []string{"cooldown"},
				Condition: "buildResult == 'success'",
				Then: []model.StepDefinition{
					{ID: "notifyOk", Kind: model.StepNotify},
				},
				Else: []model.StepDefinition{
					{ID: "notifyFail", Kind: model.StepNotify},
				},
			},
		},
		Variables:     map[string]any{"env": "staging"},
		Timeout:       &timeout,
		ErrorHandling: model.StopOnFirstError,
	}

	out, err := MarshalDefinitionYAML(def)
	require.NoError(t, err)

	parsed, err := ParseDefinitionYAML(out)
	require.NoError(t, err)
	require.Equal(t, def.ID, parsed.ID)
	require.Equal(t, def.Version, parsed.Version)
	require.Equal(t, def.ErrorHandling, parsed.ErrorHandling)
	require.Equal(t, def.Variables, parsed.Variables)
	require.Equal(t, def.Steps, parsed.Steps)

	out2, err := MarshalDefinitionYAML(parsed)
	require.NoError(t, err)
	require.YAMLEq(t, string(out), string(out2))
}

func TestParseDefinitionYAML_RejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("id: x\nversion: 1\nbogus_field: true\nsteps: []\n"))
	require.Error(t, err)
}
