package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"migrate", "resolve", "learn", "backlog"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "idresolve", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestResolveCommand_Flags(t *testing.T) {
	for _, name := range []string{"input", "output", "domain", "budget"} {
		assert.NotNil(t, resolveCmd.Flags().Lookup(name), "resolve should have --%s flag", name)
	}
	assert.Equal(t, "-1", resolveCmd.Flags().Lookup("budget").DefValue)
}

func TestLearnCommand_Flags(t *testing.T) {
	flag := learnCmd.Flags().Lookup("schedule")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
	assert.NotNil(t, learnCmd.Flags().Lookup("source"))

	names := make(map[string]bool)
	for _, c := range learnCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["history"])
}

func TestBacklogCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range backlogCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"process", "status"} {
		assert.True(t, names[name], "backlog should have subcommand %q", name)
	}

	flag := backlogProcessCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}
