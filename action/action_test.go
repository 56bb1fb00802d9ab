package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwire/message"
)

func okHandler(ctx context.Context, params Params) (*message.Response, error) {
	return message.Text(true, "ok"), nil
}

func TestValidateReportsMissingInDeclarationOrder(t *testing.T) {
	d := Descriptor{
		Name: "copy_file",
		Params: []Param{
			{Name: "a", Type: message.TypeString},
			{Name: "b", Type: message.TypeString},
			{Name: "c", Type: message.TypeFile},
		},
		Handler: okHandler,
	}

	assert.Equal(t, []string{"b"}, d.Validate(Params{"a": "1", "c": "Zg=="}))
	assert.Equal(t, []string{"a", "b", "c"}, d.Validate(Params{}))
	assert.Equal(t, []string{"c"}, d.Validate(Params{"a": "", "b": "", "c": ""}), "empty STRING is present, empty FILE is not")
	assert.Empty(t, d.Validate(Params{"a": "1", "b": "2", "c": "Zg=="}))

	resp := MissingParams([]string{"a", "c"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Missing required parameters: a, c", resp.Text())
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable("1.0.0",
		Descriptor{Name: "x", Handler: okHandler},
		Descriptor{Name: "x", Handler: okHandler},
	)
	assert.True(t, errors.Is(err, ErrDuplicateAction))
}

func TestNewTableValidatesDescriptors(t *testing.T) {
	_, err := NewTable("1.0.0", Descriptor{Name: "", Handler: okHandler})
	assert.Error(t, err)

	_, err = NewTable("1.0.0", Descriptor{Name: "x"})
	assert.Error(t, err)

	_, err = NewTable("1.0.0", Descriptor{Name: "x", Handler: okHandler, ResponseType: "image"})
	assert.Error(t, err)

	_, err = NewTable("1.0.0", Descriptor{Name: "x", Handler: okHandler, Params: []Param{{Name: "p", Type: "int"}}})
	assert.Error(t, err)
}

func TestTableOrderAndLookup(t *testing.T) {
	table, err := NewTable("2.1.0",
		Descriptor{Name: "zeta", Handler: okHandler},
		Descriptor{Name: "alpha", Params: []Param{{Name: "p"}}, ResponseType: message.TypeFile, Handler: okHandler},
		Descriptor{Name: "mid", Handler: okHandler},
	)
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", table.Version())
	assert.Equal(t, 3, table.Len())

	infos := table.Infos()
	names := []string{infos[0].Name, infos[1].Name, infos[2].Name}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	assert.Equal(t, infos, table.Infos(), "enumeration must be stable")

	d, ok := table.Find("alpha")
	require.True(t, ok)
	assert.Equal(t, message.TypeFile, d.ResponseType)
	assert.Equal(t, message.TypeString, d.Params[0].Type, "untyped params default to string")

	_, ok = table.Find("missing")
	assert.False(t, ok)

	zeta, _ := table.Find("zeta")
	assert.Equal(t, message.TypeString, zeta.ResponseType)
}

func TestNilTable(t *testing.T) {
	var table *Table
	_, ok := table.Find("x")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
	assert.Empty(t, table.Version())
	assert.Nil(t, table.Infos())
}

func TestParamsFile(t *testing.T) {
	p := Params{"data": message.EncodeFile([]byte{1, 2, 3}), "empty": ""}

	data, err := p.File("data")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = p.File("empty")
	assert.Error(t, err)
	_, err = p.File("absent")
	assert.Error(t, err)
}
