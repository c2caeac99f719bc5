package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type LocalStore struct {
	Root string
}

func (l LocalStore) Put(_ context.Context, name string, body []byte) (string, error) {
	abs, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(body)); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (l LocalStore) Get(_ context.Context, name string) ([]byte, error) {
	abs, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (l LocalStore) resolve(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(root, clean)
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact name %q escapes root", name)
	}
	return abs, nil
}
