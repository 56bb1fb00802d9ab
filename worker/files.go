package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"patchwire/action"
	"patchwire/message"
)

func uploadFile(ctx context.Context, params action.Params) (*message.Response, error) {
	data, err := params.File("file_data")
	if err != nil {
		return nil, err
	}
	dest := params.String("destination_path")
	if dest == "" {
		return message.Failure("Invalid parameters"), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", dest, err)
	}
	return message.Textf(true, "File uploaded to %s", dest), nil
}

func downloadFile(ctx context.Context, params action.Params) (*message.Response, error) {
	path := params.String("file_path")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || path == "" {
		return message.Failure("File not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return message.File(data), nil
}

func listDirectory(ctx context.Context, params action.Params) (*message.Response, error) {
	dir := params.String("directory")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) || dir == "" {
		return message.Failure("Invalid directory"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return message.JSON(names)
}

func removeFile(ctx context.Context, params action.Params) (*message.Response, error) {
	path := params.String("file")
	if path == "" {
		return message.Failure("Invalid file"), nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return message.Failure("Invalid file"), nil
		}
		return nil, fmt.Errorf("removing %s: %w", path, err)
	}
	return message.Text(true, "File removed"), nil
}

// copyFile copies in-process; paths never pass through a shell.
func copyFile(ctx context.Context, params action.Params) (*message.Response, error) {
	source := params.String("source")
	destination := params.String("destination")
	if source == "" || destination == "" {
		return message.Failure("Invalid source or destination"), nil
	}

	src, err := os.Open(source)
	if errors.Is(err, fs.ErrNotExist) {
		return message.Failure("Invalid source or destination"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", source, err)
	}
	defer src.Close()

	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		destination = filepath.Join(destination, filepath.Base(source))
	}

	dst, err := os.Create(destination)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", destination, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, fmt.Errorf("copying to %s: %w", destination, err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", destination, err)
	}
	return message.Text(true, "File copied"), nil
}
