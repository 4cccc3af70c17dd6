package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	DisableColor()

	out := Table([]string{"ENTITY", "LOCAL", "REMOTE"}, [][]string{
		{"vehicle", "12", "12"},
		{"account_transaction", "3", "-"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, []string{
		"ENTITY               LOCAL  REMOTE",
		"vehicle              12     12",
		"account_transaction  3      -",
	}, lines)
}

func TestRenderWithoutColor(t *testing.T) {
	DisableColor()
	assert.Equal(t, "✓", RenderPass("✓"))
	assert.Equal(t, "boom", RenderFail("boom"))
}

func TestSpinnerIsSilentWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	stop := StartSpinner(&buf, "working")
	stop()
	stop()
	assert.Empty(t, buf.String())
	assert.False(t, IsTerminal(&buf))
}
