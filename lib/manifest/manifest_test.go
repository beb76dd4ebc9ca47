package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `# change detection dependencies
requests==2.28.1
psycopg2-binary>=2.9
GeoPandas
fiona ; python_version >= "3.8"

--index-url https://pypi.org/simple
`
	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "psycopg2-binary", "geopandas", "fiona"}, m.Names())
	require.False(t, m.HasHashes)
	require.False(t, m.HasRelativeIncludes)
}

func TestParseInvalid(t *testing.T) {
	tests := []string{
		"requests ==2.28.1 garbage trailing words",
		"=nonsense",
		"!!bad",
		"requests 2.28.1",
		"requests ==2.28.1 sha256:aaaa",
	}
	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt))
			require.ErrorIs(t, err, ErrInvalidRequirement)
		})
	}
}

func TestParseSpecifierForms(t *testing.T) {
	input := `requests == 2.28.1
shapely >=2.0, <3
fiona[s3] ; python_version >= "3.8"
pyproj @ https://example.com/pyproj-3.6.1.tar.gz
`
	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "shapely", "fiona", "pyproj"}, m.Names())
}

func TestParseHashes(t *testing.T) {
	input := `requests==2.28.1 --hash=sha256:aaaa
numpy==1.24.0 \
    --hash=sha256:bbbb
`
	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 2)
	require.True(t, m.HasHashes)
	require.True(t, m.Requirements[1].Hashed)
}

func TestParseContinuationAtEOF(t *testing.T) {
	// A continuation on the final line still carries a requirement; pip
	// installs it, so dropping it would under-verify the image.
	input := "requests==2.28.1\nnumpy==1.24.0 \\"
	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"requests", "numpy"}, m.Names())

	input = "requests==2.28.1 \\\n    --hash=sha256:aaaa \\"
	m, err = Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"requests"}, m.Names())
	require.True(t, m.HasHashes)
}

func TestParseRelativeIncludes(t *testing.T) {
	tests := []struct {
		input    string
		relative bool
	}{
		{"-r extra-requirements.txt", true},
		{"-e ./vendored/pkg", true},
		{"-c constraints.txt", true},
		{"-r /abs/path/requirements.txt", false},
		{"-e git+https://example.com/repo.git", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.relative, m.HasRelativeIncludes)
		})
	}
}

func TestCanonicalName(t *testing.T) {
	require.Equal(t, "psycopg2-binary", CanonicalName("Psycopg2_Binary"))
	require.Equal(t, "zope-interface", CanonicalName("zope.interface"))
}

func TestParseComments(t *testing.T) {
	input := "requests==2.28.1  # pinned for provider downloads\n   # full-line comment\n"
	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 1)
	require.Equal(t, "requests==2.28.1", m.Requirements[0].Raw)
}
