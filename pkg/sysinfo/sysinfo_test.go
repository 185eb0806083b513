package sysinfo

import (
	"context"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	env := Collect(context.Background(), log, "1.2.3")
	require.NotNil(t, env)

	assert.Equal(t, runtime.Version(), env.GoVersion)
	assert.Equal(t, "1.2.3", env.PipeloorVersion)
	assert.Equal(t, runtime.NumCPU(), env.CPUCount)
	assert.NotEmpty(t, env.Hostname)
}
