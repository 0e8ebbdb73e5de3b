package templates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
dir: pdfs
templates:
  cea:
    file: cea.pdf
    aliases: [case_eval]
    fields:
      - {kind: signature-image, page: 1, x: 100, y: 100, width: 200, height: 50}
      - {kind: client-name-text, page: 1, x: 100, y: 160}
      - {kind: date-text, page: 1, x: 350, y: 160}
  cea_rra:
    file: cea_rra.pdf
    aliases: [case_eval_plus_records]
    fields:
      - {kind: signature-image, page: 3, x: 90, y: 120, width: 180, height: 45}
      - {kind: signature-image, page: 1, x: 90, y: 120, width: 180, height: 45}
      - {kind: date-text, page: 3, x: 320, y: 130}
`

func writeRegistry(t *testing.T, withFiles ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pdfs"), 0o755))
	for _, name := range withFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pdfs", name), []byte("%PDF-1.4\n"), 0o600))
	}
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))
	return path
}

func TestLoad_ResolveByKeyAndAlias(t *testing.T) {
	path := writeRegistry(t, "cea.pdf", "cea_rra.pdf")

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cea", "cea_rra"}, reg.Keys())

	d, err := reg.Resolve("cea")
	require.NoError(t, err)
	assert.Equal(t, "cea", d.Key)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "pdfs", "cea.pdf"), d.Path)
	require.Len(t, d.Fields, 3)
	assert.Equal(t, KindSignatureImage, d.Fields[0].Kind())
	assert.Equal(t, Box{Page: 1, X: 100, Y: 100, Width: 200, Height: 50}, d.Fields[0].Placement())
	assert.Equal(t, KindClientNameText, d.Fields[1].Kind())
	assert.Equal(t, KindDateText, d.Fields[2].Kind())

	alias, err := reg.Resolve("case_eval")
	require.NoError(t, err)
	assert.Equal(t, "cea", alias.Key)
}

func TestResolve_UnknownTemplate(t *testing.T) {
	reg, err := Load(writeRegistry(t, "cea.pdf", "cea_rra.pdf"))
	require.NoError(t, err)

	_, err = reg.Resolve("nda")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestResolve_TemplateFileMissing(t *testing.T) {
	reg, err := Load(writeRegistry(t, "cea.pdf"))
	require.NoError(t, err)

	_, err = reg.Resolve("cea_rra")
	assert.ErrorIs(t, err, ErrTemplateFileMissing)

	err = reg.Check(nil)
	assert.ErrorIs(t, err, ErrTemplateFileMissing)
}

func TestDescriptor_PagesAndOrdering(t *testing.T) {
	reg, err := Load(writeRegistry(t, "cea.pdf", "cea_rra.pdf"))
	require.NoError(t, err)

	d, err := reg.Resolve("case_eval_plus_records")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, d.Pages())

	onThree := d.FieldsOnPage(3)
	require.Len(t, onThree, 2)
	assert.Equal(t, KindSignatureImage, onThree[0].Kind())
	assert.Equal(t, KindDateText, onThree[1].Kind())
	assert.Empty(t, d.FieldsOnPage(2))
}

func TestResolve_ReturnsIndependentCopies(t *testing.T) {
	reg, err := Load(writeRegistry(t, "cea.pdf", "cea_rra.pdf"))
	require.NoError(t, err)

	first, err := reg.Resolve("cea")
	require.NoError(t, err)
	first.Fields[0] = DateText{Box{Page: 9}}

	second, err := reg.Resolve("cea")
	require.NoError(t, err)
	assert.Equal(t, KindSignatureImage, second.Fields[0].Kind())
}

func TestNew_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs map[string]Definition
	}{
		{
			name: "unknown kind",
			defs: map[string]Definition{"x": {File: "x.pdf", Fields: []FieldDef{{Kind: "initials", Page: 1}}}},
		},
		{
			name: "page zero",
			defs: map[string]Definition{"x": {File: "x.pdf", Fields: []FieldDef{{Kind: "date-text", Page: 0}}}},
		},
		{
			name: "image without size",
			defs: map[string]Definition{"x": {File: "x.pdf", Fields: []FieldDef{{Kind: "signature-image", Page: 1, Width: 10}}}},
		},
		{
			name: "missing file",
			defs: map[string]Definition{"x": {}},
		},
		{
			name: "alias collides with key",
			defs: map[string]Definition{
				"a": {File: "a.pdf", Aliases: []string{"b"}},
				"b": {File: "b.pdf"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(t.TempDir(), tt.defs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDefinition), "got %v", err)
		})
	}
}
