package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDurationYAML(t *testing.T) {
	var rc RunConfig
	require.NoError(t, yaml.Unmarshal([]byte("per_task_timeout: 2m\ncancel_grace: \"\"\n"), &rc))
	assert.Equal(t, 2*time.Minute, rc.PerTaskTimeout.Std())
	assert.Zero(t, rc.CancelGrace)

	out, err := yaml.Marshal(struct {
		Timeout Duration `yaml:"timeout"`
	}{Duration(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "timeout: 5s\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("per_task_timeout: forever\n"), &rc))
}
