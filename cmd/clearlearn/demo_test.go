package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
)

func TestDemoRunsEndToEnd(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runDemo(context.Background(), &out, config.Default()))

	text := out.String()
	assert.Contains(t, text, "delivered")
	assert.Contains(t, text, "[standby] recursion explained at complexity 3")
	assert.Contains(t, text, "provider=standby")
	assert.Contains(t, text, "provider=static")
	assert.Contains(t, text, "gated on prerequisites: functions")
	assert.Contains(t, text, "level 0:")
	assert.Contains(t, text, "deeper:")
	assert.Contains(t, text, "hit rate")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)
}
