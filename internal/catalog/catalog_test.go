package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveID_Deterministic(t *testing.T) {
	a := DeriveID("echo-server", []string{"--port", "8080"})
	b := DeriveID("echo-server", []string{"--port", "8080"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestDeriveID_DistinctForDistinctCommands(t *testing.T) {
	a := DeriveID("echo-server", nil)
	b := DeriveID("fs-server", nil)
	assert.NotEqual(t, a, b)
}

func TestServerSpec_ID_MatchesDeriveID(t *testing.T) {
	spec := ServerSpec{Command: "echo-server", Args: []string{"--verbose"}}
	assert.Equal(t, DeriveID("echo-server", []string{"--verbose"}), spec.ID())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		command string
		args    []string
	}{
		{"simple", "echo-server", "echo-server", nil},
		{"with args", "echo-server --port 8080", "echo-server", []string{"--port", "8080"}},
		{"double quoted", `node "my server.js" --flag`, "node", []string{"my server.js", "--flag"}},
		{"single quoted", `node 'my server.js'`, "node", []string{"my server.js"}},
		{"escaped space", `node my\ server.js`, "node", []string{"my server.js"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := ParseCommand(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.command, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestParseCommand_Empty(t *testing.T) {
	_, _, err := ParseCommand("")
	assert.Error(t, err)
}

func TestParseCommand_UnterminatedQuote(t *testing.T) {
	_, _, err := ParseCommand(`node "unterminated`)
	assert.Error(t, err)
}

func TestValidate_RequiresCommand(t *testing.T) {
	res := Validate(ServerSpec{})
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
}

func TestValidate_WASMRequiresPath(t *testing.T) {
	res := Validate(ServerSpec{Command: "x", Runtime: RuntimeWASM})
	assert.False(t, res.Valid)

	res = Validate(ServerSpec{Command: "x", Runtime: RuntimeWASM, WASMPath: "mod.wasm"})
	assert.True(t, res.Valid)
}

func TestParseYAML_PreservesOrderAndDefaults(t *testing.T) {
	data := []byte(`
servers:
  fs:
    command: fs-server
    args: ["--root", "/tmp"]
    optional: false
  search:
    command: search-server
    auto_start: false
`)
	cat, err := ParseYAML(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"fs", "search"}, cat.Names)
	assert.True(t, cat.Entries["fs"].AutoStart)
	assert.False(t, cat.Entries["search"].AutoStart)

	auto := cat.AutoStartEntries()
	require.Len(t, auto, 1)
	assert.Equal(t, "fs", auto[0].Name)
}
