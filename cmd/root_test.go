package cmd

import (
	"strings"
	"testing"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"serve":   false,
		"migrate": false,
		"version": false,
	}

	for _, sub := range rootCmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestMigrateCommand_RegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"up":      false,
		"down":    false,
		"version": false,
	}

	for _, sub := range migrateCmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("migrate subcommand %q not registered", name)
		}
	}
}

func TestVersionDefaults(t *testing.T) {
	if AppVersion == "" {
		t.Error("AppVersion is empty")
	}
	if strings.Contains(AppVersion, " ") {
		t.Errorf("AppVersion = %q, want no spaces", AppVersion)
	}
}
