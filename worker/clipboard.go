package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.design/x/clipboard"

	"patchwire/action"
	"patchwire/message"
)

var (
	clipboardOnce sync.Once
	clipboardErr  error
)

func initClipboard() error {
	clipboardOnce.Do(func() {
		clipboardErr = clipboard.Init()
	})
	if clipboardErr != nil {
		return fmt.Errorf("clipboard unavailable: %w", clipboardErr)
	}
	return nil
}

func setClipboard(ctx context.Context, params action.Params) (*message.Response, error) {
	text := params.String("text")
	if text == "" {
		return message.Failure("Invalid parameters"), nil
	}
	if err := initClipboard(); err != nil {
		return nil, err
	}
	clipboard.Write(clipboard.FmtText, []byte(text))
	return message.Text(true, "Clipboard set"), nil
}

func getClipboard(ctx context.Context, params action.Params) (*message.Response, error) {
	if err := initClipboard(); err != nil {
		return nil, err
	}
	return message.Text(true, string(clipboard.Read(clipboard.FmtText))), nil
}
