package hotpatch

import (
	"context"

	"patchwire/action"
	"patchwire/message"
)

const (
	ActionUpdate = "update_slave"
	ActionCheck  = "check_slave"
)

// UpdateDescriptor is the server action that uploads a new worker.
func (p *Patcher) UpdateDescriptor() action.Descriptor {
	return action.Descriptor{
		Name: ActionUpdate,
		Params: []action.Param{
			{Name: "file_data", Type: message.TypeFile},
			{Name: "checksum", Type: message.TypeString},
		},
		ResponseType: message.TypeString,
		Handler:      p.handleUpdate,
	}
}

// CheckDescriptor is the server action that compares the worker checksum.
func (p *Patcher) CheckDescriptor() action.Descriptor {
	return action.Descriptor{
		Name:         ActionCheck,
		Params:       []action.Param{{Name: "checksum", Type: message.TypeString}},
		ResponseType: message.TypeString,
		Handler:      p.handleCheck,
	}
}

func (p *Patcher) handleUpdate(ctx context.Context, params action.Params) (*message.Response, error) {
	if params.String("file_data") == "" {
		return message.Failure("No file data provided"), nil
	}
	checksum := params.String("checksum")
	if checksum == "" {
		return message.Failure("No checksum provided"), nil
	}
	content, err := params.File("file_data")
	if err != nil {
		return message.Failure("Worker update failed: %v", err), nil
	}

	if err := p.Update(ctx, content, checksum); err != nil {
		return message.Failure("Worker update failed: %v", err), nil
	}

	resp := message.Text(true, "Worker updated successfully")
	resp.WorkerVersion = p.Current().Version()
	return resp, nil
}

func (p *Patcher) handleCheck(ctx context.Context, params action.Params) (*message.Response, error) {
	checksum := params.String("checksum")
	if checksum == "" {
		return message.Failure("No checksum provided"), nil
	}
	ok, err := p.Check(checksum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return message.Failure("Worker checksum mismatch"), nil
	}
	return message.Text(true, "Worker checksum matches"), nil
}
