package worker

import (
	"context"

	"go.uber.org/zap"

	"patchwire/action"
	"patchwire/message"
)

func str(name string) action.Param  { return action.Param{Name: name, Type: message.TypeString} }
func file(name string) action.Param { return action.Param{Name: name, Type: message.TypeFile} }

// simple adapts a handler that needs neither its ActionSpec nor a logger.
func simple(h action.Handler) func(ActionSpec, *zap.SugaredLogger) (action.Handler, error) {
	return func(ActionSpec, *zap.SugaredLogger) (action.Handler, error) {
		return h, nil
	}
}

func builtinKinds() map[string]Kind {
	return map[string]Kind{
		"heartbeat": {
			ResponseType: message.TypeString,
			New: simple(func(ctx context.Context, params action.Params) (*message.Response, error) {
				return message.Text(true, "alive"), nil
			}),
		},
		"screenshot": {
			ResponseType: message.TypeFile,
			New:          newScreenshot,
		},
		"upload_file": {
			Params:       []action.Param{file("file_data"), str("destination_path")},
			ResponseType: message.TypeString,
			New:          simple(uploadFile),
		},
		"download_file": {
			Params:       []action.Param{str("file_path")},
			ResponseType: message.TypeFile,
			New:          simple(downloadFile),
		},
		"list_directory": {
			Params:       []action.Param{str("directory")},
			ResponseType: message.TypeString,
			New:          simple(listDirectory),
		},
		"rm_file": {
			Params:       []action.Param{str("file")},
			ResponseType: message.TypeString,
			New:          simple(removeFile),
		},
		"copy_file": {
			Params:       []action.Param{str("source"), str("destination")},
			ResponseType: message.TypeString,
			New:          simple(copyFile),
		},
		"set_clipboard": {
			Params:       []action.Param{str("text")},
			ResponseType: message.TypeString,
			New:          simple(setClipboard),
		},
		"get_clipboard": {
			ResponseType: message.TypeString,
			New:          simple(getClipboard),
		},
		"run_command": {
			Params:       []action.Param{str("command")},
			ResponseType: message.TypeString,
			New:          newRunCommand,
		},
		"exec": {
			ResponseType: message.TypeString,
			FreeParams:   true,
			New:          newExec,
		},
		"system_info": {
			ResponseType: message.TypeString,
			New:          simple(systemInfo),
		},
	}
}
