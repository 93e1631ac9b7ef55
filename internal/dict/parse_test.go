package dict

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	content := `
# vault selectors
unlock="\x01\x42"
"\x02"
0x10
unlock_again="\x01\x42"
quote="a\"b\\"
`
	d, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, Dictionary{
		{0x01, 0x42},
		{0x02},
		{0x10},
		[]byte(`a"b\`),
	}, d)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, line := range []string{`name=unquoted`, `"\x4"`, `"\q"`, `0xzz`} {
		_, err := Parse(line)
		assert.Error(t, err, line)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.dict")
	require.NoError(t, os.WriteFile(path, []byte("withdraw=\"\\x02\"\n"), 0644))

	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Dictionary{{0x02}}, d)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.dict"))
	assert.Error(t, err)
}
