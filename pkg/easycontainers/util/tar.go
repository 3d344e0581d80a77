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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// CreateTar writes an uncompressed tar stream of the tree rooted at root.
// Entry names are relative to root, so extracting with `tar -xf - -C <dir>`
// recreates the tree directly under <dir>.
func CreateTar(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	var paths []string
	err := filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != root {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := addFileToTar(root, path, "", tw); err != nil {
			return err
		}
	}
	return nil
}

// CreateSingleFileTar writes a tar stream holding exactly one regular file
// entry named name, with the given content.
func CreateSingleFileTar(w io.Writer, name string, src string) (int64, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	header := &tar.Header{
		Name:    name,
		Mode:    int64(fi.Mode().Perm()),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(tw, f)
	if err != nil {
		return n, fmt.Errorf("writing %q into archive: %w", src, err)
	}
	return n, nil
}

// ExtractTar extracts a tar stream into dir and returns the paths of the
// extracted regular files, relative to dir. Entries that would escape dir
// are rejected.
func ExtractTar(r io.Reader, dir string) ([]string, error) {
	var files []string

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		rel := filepath.Clean(filepath.FromSlash(header.Name))
		if rel == "." {
			continue
		}
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return nil, fmt.Errorf("archive entry %q escapes destination directory", header.Name)
		}
		target := filepath.Join(dir, rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return nil, fmt.Errorf("extracting %q: %w", header.Name, err)
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
			files = append(files, rel)
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				logrus.Warnf("Skipping %s. Only relative symlinks are supported.", header.Name)
				continue
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return nil, err
			}
		default:
			logrus.Debugf("skipping tar entry %s of type %d", header.Name, header.Typeflag)
		}
	}

	sort.Strings(files)
	return files, nil
}

func addFileToTar(root string, src string, dst string, tw *tar.Writer) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}

	mode := fi.Mode()
	if mode&os.ModeSocket != 0 {
		return nil
	}

	var header *tar.Header
	if mode&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}

		if filepath.IsAbs(target) {
			logrus.Warnf("Skipping %s. Only relative symlinks are supported.", src)
			return nil
		}

		header, err = tar.FileInfoHeader(fi, target)
		if err != nil {
			return err
		}
	} else {
		header, err = tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
	}

	if dst == "" {
		tarPath, err := filepath.Rel(root, src)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(tarPath)
	} else {
		header.Name = filepath.ToSlash(dst)
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if mode.IsRegular() {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing real file %q: %w", src, err)
		}
	}

	return nil
}
