package subcmd

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threeway/heaterconsole/log2"
)

func TestMustReadConfig(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	c := MustReadConfig(log, "")
	assert.Equal(t, []int{3339, 3341}, c.Telemetry.Ports)

	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "local.hcl"), []byte(`upload { port = 4343 }`), 0o644))
	main := filepath.Join(dir, "heater.hcl")
	require.NoError(t, ioutil.WriteFile(main, []byte(`
telemetry { ports = [3339] }
include "local.hcl" {}
include "missing.hcl" { optional = true }
`), 0o644))
	c = MustReadConfig(log, main)
	assert.Equal(t, []int{3339}, c.Telemetry.Ports)
	assert.Equal(t, 4343, c.Upload.Port)
	assert.Equal(t, "build/3way_controller.bin", c.Upload.Firmware)
}
