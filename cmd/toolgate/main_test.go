package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["serve"] {
		t.Fatal("expected subcommand \"serve\" to be registered")
	}
}

func TestBuildServeCmd_HasDebugFlag(t *testing.T) {
	cmd := buildServeCmd()
	if cmd.Flags().Lookup("debug") == nil {
		t.Fatal("expected a --debug flag")
	}
}
