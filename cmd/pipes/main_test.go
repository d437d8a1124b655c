// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipes/services/pipes/api"
	"github.com/AleutianAI/AleutianPipes/services/pipes/blueprint"
	"github.com/AleutianAI/AleutianPipes/services/pipes/config"
)

const greetDomain = `
domain: greet
concepts:
  Greeting:
    definition: A friendly line
    refines: Text
pipes:
  hello:
    type: template
    description: Say hello
    inputs:
      name: Text
    output: Greeting
    template: "Hello {{ name }}"
  shout:
    type: template
    inputs:
      name: Text
    output: Text
    template: "HEY {{ name }}"
  welcome:
    type: sequence
    inputs:
      name: Text
    output: Text
    steps:
      - pipe: hello
        result: greeting
      - pipe: shout
        result: shouted
`

const brokenDomain = `
domain: broken
pipes:
  lost:
    type: template
    inputs:
      name: Text
    output: Text
    template: "{{ name }}"
  orphan:
    type: sequence
    inputs:
      name: Text
    output: Text
    steps:
      - pipe: missing_pipe
`

// quietEnv keeps telemetry and the live generator off.
func quietEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PIPES_CONFIG", "")
	t.Setenv("PIPES_LIBRARY_PATHS", "")
}

func writeLibrary(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	quietEnv(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

func decodeRun(t *testing.T, out string) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded), out)
	return decoded
}

// =============================================================================
// Command Tests
// =============================================================================

func TestValidate(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, "", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok    hello")
	assert.Contains(t, out, "ok    shout")
	assert.Contains(t, out, "3 pipes validated")
}

func TestValidate_BrokenLibrary(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"broken.yaml": brokenDomain})
	_, err := execute(t, "", "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_pipe")
}

func TestValidate_NoPaths(t *testing.T) {
	_, err := execute(t, "", "validate")
	assert.ErrorIs(t, err, blueprint.ErrNoBlueprints)
}

func TestList(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, "", "list", dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "DOMAIN")
	assert.Contains(t, lines[1], "hello")
	assert.Contains(t, lines[1], "greet.Greeting")
	assert.Contains(t, lines[1], "Say hello")
	assert.Contains(t, lines[2], "shout")
	assert.Contains(t, lines[3], "sequence")
}

func TestRun_InlineInput(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, "", "run", "hello", "-l", dir,
		"-i", `{"name": {"concept_code": "native.Text", "content": "Ada"}}`,
		"-o", "greeting")
	require.NoError(t, err)

	res := decodeRun(t, out)
	assert.NotEmpty(t, res["pipeline_run_id"])
	main := res["main_stuff"].(map[string]any)
	assert.Equal(t, "Hello Ada", main["content"])
	assert.Equal(t, "greeting", main["name"])
	assert.Nil(t, res["lineage"])
}

func TestRun_SequenceLineage(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, "", "run", "welcome", "-l", dir,
		"-i", `{"name": {"concept_code": "native.Text", "content": "Ada"}}`, "--lineage")
	require.NoError(t, err)

	res := decodeRun(t, out)
	assert.Equal(t, "HEY Ada", res["main_stuff"].(map[string]any)["content"])
	assert.Contains(t, res["memory"], "greeting")
	assert.NotEmpty(t, res["lineage"])
}

func TestRun_Stdin(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, `{"name": {"concept_code": "native.Text", "content": "Bo"}}`,
		"run", "shout", "-l", dir, "-i", "-")
	require.NoError(t, err)
	assert.Equal(t, "HEY Bo", decodeRun(t, out)["main_stuff"].(map[string]any)["content"])
}

func TestRun_MissingInput(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	_, err := execute(t, "", "run", "hello", "-l", dir)
	assert.Error(t, err)
}

func TestDryRun_MockInputs(t *testing.T) {
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	out, err := execute(t, "", "dry-run", "hello", "-l", dir)
	require.NoError(t, err)
	res := decodeRun(t, out)
	assert.NotEmpty(t, res["pipeline_run_id"])
	assert.Contains(t, res["memory"], "name")
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestReadInput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a": {"concept_code": "native.Text", "content": "x"}}`), 0o644))

	got, err := readInput(nil, file)
	require.NoError(t, err)
	assert.Equal(t, "native.Text", got["a"].ConceptCode)

	got, err = readInput(nil, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = readInput(strings.NewReader("not json"), "-")
	assert.Error(t, err)

	_, err = readInput(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWatchDirs(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	file := filepath.Join(sub, "one.yaml")
	require.NoError(t, os.WriteFile(file, []byte(greetDomain), 0o644))

	dirs := watchDirs([]string{root, file, filepath.Join(root, "absent")})
	assert.Equal(t, []string{root, sub}, dirs)
}

func TestIsBlueprint(t *testing.T) {
	assert.True(t, isBlueprint("a/b.yaml"))
	assert.True(t, isBlueprint("B.YML"))
	assert.False(t, isBlueprint("b.yaml~"))
	assert.False(t, isBlueprint("notes.md"))
}

func TestReloader_SwapsAndKeepsOnFailure(t *testing.T) {
	quietEnv(t)
	dir := writeLibrary(t, map[string]string{"greet.yaml": greetDomain})
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	snap, _, err := buildSnapshot(cfg, []string{dir}, logger)
	require.NoError(t, err)
	source := api.NewAtomicSource(snap)
	t.Cleanup(func() { source.Current().Runner.Close() })
	rl := &reloader{cfg: cfg, paths: []string{dir}, source: source, logger: logger}

	extra := strings.Replace(greetDomain, "domain: greet", "domain: extra", 1)
	extra = strings.NewReplacer("hello:", "hello2:", "shout:", "shout2:", "welcome:", "welcome2:").Replace(extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extra), 0o644))
	rl.reload(context.Background())
	current := source.Current()
	assert.NotSame(t, snap, current)
	assert.Equal(t, 6, current.Pipes.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("domain: [unclosed"), 0o644))
	rl.reload(context.Background())
	assert.Same(t, current, source.Current())
}
