/*
Copyright 2024 The Easycontainers Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCreateAndExtractTarRoundtrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Dockerfile"), "FROM scratch\n")
	writeFile(t, filepath.Join(src, "app", "main.go"), "package main\n")
	writeFile(t, filepath.Join(src, "app", "config", "app.yaml"), "key: value\n")

	var buf bytes.Buffer
	require.NoError(t, CreateTar(&buf, src))

	dst := t.TempDir()
	files, err := ExtractTar(&buf, dst)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Dockerfile",
		filepath.Join("app", "config", "app.yaml"),
		filepath.Join("app", "main.go"),
	}, files)

	content, err := os.ReadFile(filepath.Join(dst, "app", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
}

func TestCreateTarPreservesRelativeSymlink(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "real.txt"), "content")
	require.NoError(t, os.Symlink("real.txt", filepath.Join(src, "link.txt")))

	var buf bytes.Buffer
	require.NoError(t, CreateTar(&buf, src))

	dst := t.TempDir()
	_, err := ExtractTar(&buf, dst)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dst, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "real.txt", target)
}

func TestCreateSingleFileTar(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, src, "hello")

	var buf bytes.Buffer
	n, err := CreateSingleFileTar(&buf, "renamed.txt", src)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	tr := tar.NewReader(&buf)
	header, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", header.Name)
	assert.Equal(t, int64(5), header.Size)
}

func TestExtractTarRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 0}))
	require.NoError(t, tw.Close())

	_, err := ExtractTar(&buf, t.TempDir())
	require.Error(t, err)
}
