package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"patchwire/action"
	"patchwire/message"
)

// shellArgv wraps command for the platform shell.
func shellArgv(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", command}
	}
	return []string{"/bin/sh", "-c", command}
}

// runArgv runs argv and returns stdout followed by stderr. There is no
// timeout: a command that never exits blocks its connection.
func runArgv(ctx context.Context, dir string, argv []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", -1, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return stdout.String() + stderr.String(), cmd.ProcessState.ExitCode(), nil
}

func newRunCommand(spec ActionSpec, log *zap.SugaredLogger) (action.Handler, error) {
	return func(ctx context.Context, params action.Params) (*message.Response, error) {
		command := params.String("command")
		if command == "" {
			return message.Failure("Invalid command"), nil
		}
		output, code, err := runArgv(ctx, spec.Dir, shellArgv(command))
		if err != nil {
			return nil, err
		}
		log.Debugw("command finished", "exitCode", code)
		// Output is reported whatever the exit status, the caller reads it
		return message.Text(true, output), nil
	}, nil
}

// expand substitutes {name} placeholders in every argument.
func expand(template []string, params action.Params) []string {
	pairs := make([]string, 0, len(params)*2)
	for name, value := range params {
		pairs = append(pairs, "{"+name+"}", value)
	}
	r := strings.NewReplacer(pairs...)

	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = r.Replace(arg)
	}
	return argv
}

// newExec runs a fixed argv template. Parameters are substituted as whole
// values into arguments, never re-parsed by a shell.
func newExec(spec ActionSpec, log *zap.SugaredLogger) (action.Handler, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("exec kind needs a command")
	}
	declared := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		declared[p.Name] = true
	}
	template := append([]string(nil), spec.Command...)

	return func(ctx context.Context, params action.Params) (*message.Response, error) {
		// Only declared params take part in substitution
		scoped := make(action.Params, len(declared))
		for name := range declared {
			scoped[name] = params[name]
		}
		argv := expand(template, scoped)

		output, code, err := runArgv(ctx, spec.Dir, argv)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			log.Debugw("exec failed", "argv", argv, "exitCode", code)
			return message.Failure("exit status %d: %s", code, output), nil
		}
		return message.Text(true, output), nil
	}, nil
}

func defaultScreenshotCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"screencapture", "-x", "{output}"}
	case "windows":
		return nil
	default:
		return []string{"import", "-window", "root", "{output}"}
	}
}

// newScreenshot runs an external capture tool writing to {output} and returns
// the image.
func newScreenshot(spec ActionSpec, log *zap.SugaredLogger) (action.Handler, error) {
	template := spec.Command
	if len(template) == 0 {
		template = defaultScreenshotCommand()
	}

	return func(ctx context.Context, params action.Params) (*message.Response, error) {
		if len(template) == 0 {
			return message.Failure("screen capture is not supported on %s", runtime.GOOS), nil
		}

		dir, err := os.MkdirTemp("", "patchwire-screenshot")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(dir)
		output := filepath.Join(dir, "screenshot.png")

		argv := expand(template, action.Params{"output": output})
		out, code, err := runArgv(ctx, spec.Dir, argv)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return message.Failure("capture exited with %d: %s", code, out), nil
		}

		image, err := os.ReadFile(output)
		if err != nil {
			return nil, fmt.Errorf("reading capture: %w", err)
		}
		log.Debugw("screen captured", "bytes", len(image))
		return message.File(image), nil
	}, nil
}
