package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/models"
)

func TestCleanupsRunInReverse(t *testing.T) {
	var c Cleanups
	jid := models.JobId{Run: "r", Name: "j"}
	other := models.JobId{Run: "r", Name: "k"}

	var order []int
	for i := range 3 {
		c.Register(jid, func(context.Context) error {
			order = append(order, i)
			if i == 1 {
				return errors.New("boom")
			}
			return nil
		})
	}
	c.Register(other, func(context.Context) error { return nil })

	err := c.Run(context.Background(), jid, log.Discard())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []int{2, 1, 0}, order)
	assert.Equal(t, 0, c.Pending(jid))
	assert.Equal(t, 1, c.Pending(other))

	// a second run has nothing left to do
	assert.NoError(t, c.Run(context.Background(), jid, log.Discard()))
}

func TestReadEnvFile(t *testing.T) {
	dir := t.TempDir()
	contents := "FOO=bar\n\n# comment\nEMPTY=\nWITH_EQUALS=a=b\nnot a var\n1BAD=x\n"
	path := filepath.Join(dir, envFileName(2))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	vars, problems, err := readEnvFile(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"FOO":         "bar",
		"EMPTY":       "",
		"WITH_EQUALS": "a=b",
	}, vars)
	assert.Equal(t, []string{
		"line 6: expected KEY=value",
		"line 7: expected KEY=value",
	}, problems)
	assert.NoFileExists(t, path)

	vars, problems, err = readEnvFile(dir, 3)
	assert.NoError(t, err)
	assert.Nil(t, vars)
	assert.Nil(t, problems)
}

func TestStepFailureUnwrap(t *testing.T) {
	inner := errors.New("signal: killed")
	err := error(&StepFailure{Step: "build", ExitCode: 137, Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, `step "build" exited with code 137: signal: killed`, err.Error())

	perr := error(&ProvisioningFailure{Job: "build", Err: ErrOOMKilled})
	assert.ErrorIs(t, perr, ErrOOMKilled)
}
