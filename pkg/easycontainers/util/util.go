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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Ptr returns a pointer to t, for literals in manifest assembly.
func Ptr[T any](t T) *T {
	return &t
}

// LineWriter is an io.WriteCloser that splits everything written to it on
// LF and hands each complete line, without the delimiter, to the callback.
// Close flushes a trailing unterminated line.
type LineWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	callback func(line string)
}

func NewLineWriter(callback func(line string)) *LineWriter {
	return &LineWriter{callback: callback}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err == io.EOF {
			// Partial line, keep it buffered.
			w.buf.WriteString(line)
			break
		}
		w.deliver(line[:len(line)-1])
	}
	return len(p), nil
}

func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.deliver(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) deliver(line string) {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if w.callback != nil {
		w.callback(line)
	}
}

// CountingWriter counts the bytes written through it.
type CountingWriter struct {
	W io.Writer
	N int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.N += int64(n)
	return n, err
}

// ResolveLocalPath maps a caller-supplied local path to the concrete file a
// retrieval should write. An empty path lands in a fresh temp directory under
// the given name; an existing directory gets the name appended; anything else
// is used as-is, overwriting.
func ResolveLocalPath(localPath, name string) (string, error) {
	if localPath == "" {
		dir, err := os.MkdirTemp("", "easycontainers-")
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, name), nil
	}
	if fi, err := os.Stat(localPath); err == nil && fi.IsDir() {
		return filepath.Join(localPath, name), nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}
	return localPath, nil
}

// MoveFile renames src to dst, copying when the rename crosses filesystems.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyDir copies the tree rooted at src into dst, which is created if
// absent. Symlinks are preserved.
func CopyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case fi.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm())
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case fi.Mode().IsRegular():
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		default:
			return nil
		}
	})
}
